package provider

import (
	"encoding/json"
	"strings"

	"github.com/franksops/hdfsconn/errdefs"
)

// Credentials identifies the remote store and the principal used to reach
// it. It is either a StructuredCredentials value or a ConfigBundlePath.
type Credentials interface {
	credentials()
}

// StructuredCredentials carries an explicit user, password and endpoint.
// An empty Password selects simple authentication (user.name) on WebHDFS.
type StructuredCredentials struct {
	User     string
	Password string
	Endpoint string
}

// ConfigBundlePath is a directory holding core-site.xml and hdfs-site.xml.
type ConfigBundlePath string

func (StructuredCredentials) credentials() {}
func (ConfigBundlePath) credentials()      {}

type serviceCredentials struct {
	Cluster *struct {
		User             string `json:"user"`
		Password         string `json:"password"`
		ServiceEndpoints struct {
			WebHDFS string `json:"webhdfs"`
		} `json:"service_endpoints"`
	} `json:"cluster"`

	User     string `json:"user"`
	Password string `json:"password"`
	WebHDFS  string `json:"webhdfs"`
}

// ParseServiceCredentials decodes a service credentials document. Both the
// nested {"cluster": {"user", "password", "service_endpoints": {"webhdfs"}}}
// shape and the flat {"user", "password", "webhdfs"} shape are accepted.
func ParseServiceCredentials(data []byte) (StructuredCredentials, error) {
	var doc serviceCredentials
	if err := json.Unmarshal(data, &doc); err != nil {
		return StructuredCredentials{}, errdefs.Config("credentials", "malformed JSON: %v", err)
	}

	creds := StructuredCredentials{User: doc.User, Password: doc.Password, Endpoint: doc.WebHDFS}
	if doc.Cluster != nil {
		creds = StructuredCredentials{
			User:     doc.Cluster.User,
			Password: doc.Cluster.Password,
			Endpoint: doc.Cluster.ServiceEndpoints.WebHDFS,
		}
	}

	creds.User = strings.TrimSpace(creds.User)
	creds.Endpoint = strings.TrimSpace(creds.Endpoint)
	if creds.User == "" {
		return StructuredCredentials{}, errdefs.Config("credentials.user", "missing")
	}
	if creds.Endpoint == "" {
		return StructuredCredentials{}, errdefs.Config("credentials.webhdfs", "missing endpoint")
	}
	return creds, nil
}
