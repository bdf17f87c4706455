package domain

import (
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// AhrefsCredentials authenticate against the Ahrefs v3 API.
type AhrefsCredentials struct {
	APIKey string
}

// MajesticCredentials authenticate against the Majestic JSON API.
type MajesticCredentials struct {
	APIKey string
}

// DataForSEOCredentials authenticate against DataForSEO with basic auth.
type DataForSEOCredentials struct {
	Login    string
	Password string
}

// Credentials carries the API secrets of one job. It is held in memory
// only and redacts itself when formatted.
type Credentials struct {
	Ahrefs     AhrefsCredentials
	Majestic   MajesticCredentials
	DataForSEO DataForSEOCredentials
}

func (Credentials) String() string   { return "Credentials{redacted}" }
func (Credentials) GoString() string { return "Credentials{redacted}" }

// Check returns an error if the fields p requires are missing.
func (c Credentials) Check(p Provider) error {
	switch p {
	case ProviderAhrefs:
		if c.Ahrefs.APIKey == "" {
			return errors.New("ahrefs api key is required")
		}
	case ProviderMajestic:
		if c.Majestic.APIKey == "" {
			return errors.New("majestic api key is required")
		}
	case ProviderDataForSEO:
		if c.DataForSEO.Login == "" || c.DataForSEO.Password == "" {
			return errors.New("dataforseo login and password are required")
		}
	default:
		return errors.Newf("unknown provider %q", p)
	}
	return nil
}

// ParseDataForSEOKey splits the "login:password" form users paste in.
func ParseDataForSEOKey(key string) (DataForSEOCredentials, error) {
	login, password, ok := strings.Cut(key, ":")
	if !ok || login == "" || password == "" {
		return DataForSEOCredentials{}, errors.Wrap(ErrInvalidInput, "dataforseo key must be login:password")
	}
	return DataForSEOCredentials{Login: login, Password: password}, nil
}

// CredentialVault keeps job credentials in process memory, keyed by job ID.
type CredentialVault struct {
	mu    sync.Mutex
	creds map[string]Credentials
}

// NewCredentialVault creates an empty vault.
func NewCredentialVault() *CredentialVault {
	return &CredentialVault{creds: make(map[string]Credentials)}
}

// Put stores credentials for a job.
func (v *CredentialVault) Put(jobID string, c Credentials) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.creds[jobID] = c
}

// Take removes and returns the credentials for a job.
func (v *CredentialVault) Take(jobID string) (Credentials, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.creds[jobID]
	delete(v.creds, jobID)
	return c, ok
}

// Discard drops the credentials for a job, if any.
func (v *CredentialVault) Discard(jobID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.creds, jobID)
}

// Len returns the number of jobs with credentials on hand.
func (v *CredentialVault) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.creds)
}
