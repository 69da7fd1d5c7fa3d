package videointel

import (
	"os"
	"strings"

	"google.golang.org/api/option"
)

// ClientOptionsFromEnv returns credentials from GOOGLE_APPLICATION_CREDENTIALS_JSON
// (inline JSON) or GOOGLE_APPLICATION_CREDENTIALS (a path or inline JSON).
// Without either, the client libraries fall back to application default
// credentials.
func ClientOptionsFromEnv() []option.ClientOption {
	creds := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON"))
	if creds == "" {
		creds = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}
	if creds == "" {
		return nil
	}
	if strings.HasPrefix(creds, "{") {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(creds))}
	}
	return []option.ClientOption{option.WithCredentialsFile(creds)}
}
