package git

import (
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

// TokenAuth returns HTTP basic credentials for Fetch, or nil when token is
// empty. GitHub and GitLab accept "token" as the user name.
func TokenAuth(user, token string) transport.AuthMethod {
	if token == "" {
		return nil
	}
	if user == "" {
		user = "token"
	}
	return &http.BasicAuth{Username: user, Password: token}
}
