package main

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"

	"kfp-notebook-bridge/pkg/utils"
)

// configForm mirrors the connection settings form. It is validated before
// any I/O happens.
type configForm struct {
	Endpoint  string `validate:"required,nospace,kfp_endpoint"`
	Namespace string `validate:"required,nospace"`
}

var formValidator = newFormValidator()

func newFormValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("nospace", func(fl validator.FieldLevel) bool {
		return !strings.ContainsAny(fl.Field().String(), " \t\r\n\v\f")
	})
	_ = v.RegisterValidation("kfp_endpoint", func(fl validator.FieldLevel) bool {
		return endpointProblem(fl.Field().String()) == ""
	})
	return v
}

func parseEndpoint(endpoint string) (*url.URL, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	return url.Parse(endpoint)
}

func endpointProblem(endpoint string) string {
	u, err := parseEndpoint(endpoint)
	if err != nil {
		return "Endpoint URL is not a valid URL."
	}
	if u.Hostname() == "" {
		return "Endpoint URL must include a host."
	}
	if (u.Hostname() == "localhost" || u.Hostname() == "127.0.0.1") && u.Port() == "" {
		return "For localhost, include a port (e.g. http://localhost:8080)."
	}
	return ""
}

var formMessages = map[string]string{
	"Endpoint.required":  "Endpoint URL is required.",
	"Endpoint.nospace":   "Endpoint URL must not contain spaces.",
	"Namespace.required": "Namespace is required.",
	"Namespace.nospace":  "Namespace must not contain spaces.",
}

// Validate trims the form and returns the first problem as a user-facing
// message.
func (f *configForm) Validate() error {
	f.Endpoint = strings.TrimSpace(f.Endpoint)
	f.Namespace = strings.TrimSpace(f.Namespace)

	err := formValidator.Struct(f)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	if fe.Tag() == "kfp_endpoint" {
		return errors.New(endpointProblem(f.Endpoint))
	}
	if msg, ok := formMessages[fe.Field()+"."+fe.Tag()]; ok {
		return errors.New(msg)
	}
	return fmt.Errorf("%s is invalid", fe.Field())
}

// Warnings lists non-fatal concerns about the form values.
func (f *configForm) Warnings() []string {
	var warnings []string
	if w := endpointWarning(f.Endpoint); w != "" {
		warnings = append(warnings, w)
	}
	if f.Namespace != "" && !utils.IsK8sName(f.Namespace) {
		warnings = append(warnings, fmt.Sprintf("Namespace %q is not a valid Kubernetes name.", f.Namespace))
	}
	return warnings
}

func endpointWarning(endpoint string) string {
	if endpoint == "" || strings.ContainsAny(endpoint, " \t\r\n") {
		return ""
	}
	u, err := parseEndpoint(endpoint)
	if err != nil {
		return ""
	}
	hostname := strings.TrimSpace(u.Hostname())
	if hostname == "" {
		return ""
	}

	isIP := net.ParseIP(hostname) != nil || strings.Contains(hostname, ":")
	isLocalhost := hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1"
	if !strings.Contains(hostname, ".") && !isIP && !isLocalhost {
		return fmt.Sprintf("Hostname %q looks like a bare name. "+
			"If this is an in-cluster service name, it might be OK; "+
			"otherwise use a fully qualified host (e.g. https://kfp.example.com) or an IP.", hostname)
	}
	return ""
}
