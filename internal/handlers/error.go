package handlers

import (
	"embed"
	"html/template"
	"log/slog"
	"net/http"
)

//go:embed templates/*
var templatesFS embed.FS

// ErrorPage is the destination of failed callbacks.
type ErrorPage struct {
	loginPath string
	logger    *slog.Logger
	template  *template.Template
}

type errorPageData struct {
	Title     string
	Message   string
	LoginPath string
}

func NewErrorPage(loginPath string, logger *slog.Logger) (*ErrorPage, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/error.html")
	if err != nil {
		return nil, err
	}

	return &ErrorPage{
		loginPath: loginPath,
		logger:    logger,
		template:  tmpl,
	}, nil
}

func (h *ErrorPage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data := errorPageData{
		Title:     "Sign-in failed",
		Message:   "The sign-in response could not be verified. Please start again.",
		LoginPath: h.loginPath,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusUnauthorized)
	if err := h.template.Execute(w, data); err != nil {
		h.logger.Error("failed to render template", "error", err)
	}
}
