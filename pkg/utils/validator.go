package utils

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"unicode"
)

const DefaultNamespace = "kubeflow"

var (
	ErrEndpointRequired   = errors.New("Endpoint URL is required.")
	ErrEndpointWhitespace = errors.New("Endpoint must not contain whitespace.")
	ErrEndpointShape      = errors.New("Endpoint must look like 'http(s)://host:port'.")
	ErrLocalhostPort      = errors.New("For localhost, include an explicit port (e.g. http://localhost:8080).")
	ErrNamespaceSpaces    = errors.New("Namespace must not contain whitespace.")
)

func containsSpace(s string) bool {
	return strings.IndexFunc(s, unicode.IsSpace) >= 0
}

func isLocalhost(host string) bool {
	return host == "localhost" || host == "127.0.0.1"
}

// NormalizeEndpoint turns user input into scheme://host[:port][/path].
// An empty input yields "" and no error.
func NormalizeEndpoint(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", nil
	}
	if containsSpace(endpoint) {
		return "", ErrEndpointWhitespace
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}

	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", ErrEndpointShape
	}
	if u.Port() == "" && isLocalhost(u.Hostname()) {
		return "", ErrLocalhostPort
	}

	path := strings.TrimRight(u.Path, "/")
	return fmt.Sprintf("%s://%s%s", u.Scheme, u.Host, path), nil
}

// ValidateEndpoint is the form-level check run before anything reaches the network.
func ValidateEndpoint(endpoint string) error {
	if strings.TrimSpace(endpoint) == "" {
		return ErrEndpointRequired
	}
	_, err := NormalizeEndpoint(endpoint)
	return err
}

// KFPHost reduces an endpoint to its origin, dropping any path prefix.
func KFPHost(endpoint string) (string, error) {
	normalized, err := NormalizeEndpoint(endpoint)
	if err != nil {
		return "", err
	}
	if normalized == "" {
		return "", errors.New("KFP endpoint is empty.")
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s://%s", u.Scheme, u.Host), nil
}

// NormalizeNamespace trims the namespace and falls back to DefaultNamespace.
func NormalizeNamespace(namespace string) (string, error) {
	ns := strings.TrimSpace(namespace)
	if ns == "" {
		return DefaultNamespace, nil
	}
	if containsSpace(ns) {
		return "", ErrNamespaceSpaces
	}
	return ns, nil
}

// IsK8sName reports whether s is a valid DNS-1123 label, the shape KFP
// namespaces take.
func IsK8sName(s string) bool {
	if s == "" || len(s) > 63 {
		return false
	}
	for _, char := range s {
		if !((char >= 'a' && char <= 'z') || (char >= '0' && char <= '9') || char == '-') {
			return false
		}
	}
	return !strings.HasPrefix(s, "-") && !strings.HasSuffix(s, "-")
}

// CommentOutMagics comments out IPython magics and shell escapes so notebook
// source can run as plain Python.
func CommentOutMagics(source string) string {
	lines := strings.Split(source, "\n")
	for i, line := range lines {
		stripped := strings.TrimSpace(line)
		if strings.HasPrefix(stripped, "!") || strings.HasPrefix(stripped, "%") {
			lines[i] = "# " + line
		}
	}
	return strings.Join(lines, "\n")
}

// NormalizeBasePath turns a mount prefix such as "user/alice/" into
// "/user/alice". Empty input and "/" yield "/".
func NormalizeBasePath(base string) string {
	base = strings.Trim(strings.TrimSpace(base), "/")
	if base == "" {
		return "/"
	}
	return path.Clean("/" + base)
}
