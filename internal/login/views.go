package login

import (
	"html/template"
	"net/http"
	"sort"

	"github.com/loginbridge/loginbridge/internal/directory"
	"github.com/loginbridge/loginbridge/internal/facebook"
)

var successTmpl = template.Must(template.New("success").Parse(`<!DOCTYPE html>
<html>
<head><title>Signed in</title></head>
<body>
<h1>Signed in as {{.DisplayName}}</h1>
{{if .Fields}}<dl>
{{range .Fields}}<dt>{{.Name}}</dt><dd>{{.Value}}</dd>
{{end}}</dl>{{end}}
</body>
</html>
`))

var errorTmpl = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head><title>Login failed</title></head>
<body>
<h1>{{.Message}}</h1>
</body>
</html>
`))

type profileField struct {
	Name  string
	Value string
}

type successView struct {
	DisplayName string
	Fields      []profileField
}

// renderSuccess serves the read-only profile view. Field values come from
// the session's fetched profile, never from a fresh provider call.
func renderSuccess(w http.ResponseWriter, user *directory.User, profile *facebook.Profile) {
	view := successView{DisplayName: user.DisplayName}
	if view.DisplayName == "" {
		view.DisplayName = user.Username
	}

	if profile != nil {
		names := make([]string, 0, len(profile.Fields))
		for name := range profile.Fields {
			if name == "id" {
				continue
			}
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			view.Fields = append(view.Fields, profileField{Name: name, Value: profile.Fields[name]})
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	successTmpl.Execute(w, view)
}

// renderError serves the inline failure view: a specific message for the
// access gate, a generic one for everything else. Never any error detail.
func renderError(w http.ResponseWriter, reason string) {
	message := "Login with Facebook failed. Please try again."
	status := http.StatusBadRequest

	switch reason {
	case ReasonAccessDenied:
		message = "Your account is not permitted to sign in with Facebook."
		status = http.StatusForbidden
	case ReasonConfiguration, ReasonInternal:
		status = http.StatusInternalServerError
	case ReasonNetwork, ReasonMalformedResponse:
		status = http.StatusBadGateway
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	errorTmpl.Execute(w, struct{ Message string }{message})
}
