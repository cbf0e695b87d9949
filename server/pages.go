package server

import (
	"html/template"
	"net/http"
)

type loginView struct {
	Error      string
	LocalLogin bool
}

type landingView struct {
	Name    string
	Email   string
	Initial string
}

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Sign in</title>
<style>
body { font-family: Arial, sans-serif; margin: 4rem auto; max-width: 420px; color: #1d1d1f; }
h1 { font-size: 1.6rem; margin-bottom: 1.5rem; }
a.button { display: block; text-align: center; padding: 0.75rem; background: #1976d2; color: #fff; border-radius: 8px; text-decoration: none; margin-bottom: 1.5rem; }
.error { background: #fbeaea; border: 1px solid #d32f2f; border-radius: 8px; padding: 0.75rem; margin-bottom: 1.5rem; }
label { display: block; margin-bottom: 0.35rem; font-weight: 600; }
input { width: 100%; padding: 0.5rem; margin-bottom: 1rem; }
button { padding: 0.6rem 1.2rem; cursor: pointer; }
.divider { margin: 1.5rem 0; color: #888; text-align: center; }
</style>
</head>
<body>
<h1>Sales Dashboard</h1>
{{if .Error}}<div class="error">{{.Error}}</div>{{end}}
<a class="button" href="/login-cognito">Sign in with Cognito</a>
{{if .LocalLogin}}
<div class="divider">or</div>
<form method="post" action="/login-simple">
  <label for="username">Username</label>
  <input id="username" name="username" type="text" autocomplete="username" />
  <label for="password">Password</label>
  <input id="password" name="password" type="password" autocomplete="current-password" />
  <button type="submit">Sign in</button>
</form>
{{end}}
</body>
</html>
`))

var landingTemplate = template.Must(template.New("landing").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Dashboard</title>
<style>
body { font-family: Arial, sans-serif; margin: 2rem auto; max-width: 960px; color: #1d1d1f; }
header { display: flex; justify-content: space-between; align-items: center; margin-bottom: 2rem; }
.avatar { display: inline-block; width: 2.2rem; height: 2.2rem; line-height: 2.2rem; text-align: center; background: #1976d2; color: #fff; border-radius: 50%; margin-right: 0.5rem; }
nav a { margin-right: 1.5rem; }
</style>
</head>
<body>
<header>
  <div><span class="avatar">{{.Initial}}</span>{{if .Name}}{{.Name}}{{else}}{{.Email}}{{end}}</div>
  <a href="/logout">Sign out</a>
</header>
<nav>
  <a href="/customers">Customers</a>
  <a href="/products">Products</a>
  <a href="/sales">Sales</a>
</nav>
</body>
</html>
`))

func (a *App) renderLogin(w http.ResponseWriter, view loginView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := loginTemplate.Execute(w, view); err != nil {
		a.Logger.Error("render login page", "error", err)
	}
}

func (a *App) renderLanding(w http.ResponseWriter, info *UserInfo) {
	view := landingView{Name: info.Name, Email: info.Email}
	switch {
	case info.Name != "":
		view.Initial = string([]rune(info.Name)[:1])
	case info.Email != "":
		view.Initial = string([]rune(info.Email)[:1])
	default:
		view.Initial = "?"
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := landingTemplate.Execute(w, view); err != nil {
		a.Logger.Error("render landing page", "error", err)
	}
}
