package metrics

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/archflow/archflow/pkg/errors"
)

// HTTPAuthKind selects how the http export backend authenticates.
type HTTPAuthKind string

const (
	HTTPAuthNone   HTTPAuthKind = ""
	HTTPAuthBearer HTTPAuthKind = "bearer"
	HTTPAuthOAuth2 HTTPAuthKind = "oauth2"
	HTTPAuthSigV4  HTTPAuthKind = "sigv4"
)

// HTTPAuthConfig configures authentication for the http backend.
type HTTPAuthConfig struct {
	Kind HTTPAuthKind

	// Token is the static bearer token for HTTPAuthBearer.
	Token string

	// Client credentials grant for HTTPAuthOAuth2.
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string

	// AWS SigV4 signing for HTTPAuthSigV4.
	Region  string
	Service string
}

// HTTPExporter POSTs snapshot JSON to an arbitrary collection endpoint.
type HTTPExporter struct {
	url    string
	auth   HTTPAuthConfig
	client *http.Client

	tokenSource oauth2.TokenSource

	awsConfig  aws.Config
	signer     *v4.Signer
	creds      aws.Credentials
	credExpiry time.Time
	credMu     sync.Mutex
}

// NewHTTPExporter validates the configuration and prepares the selected
// auth mechanism. For sigv4 the AWS credential chain is loaded here so a
// missing profile fails at startup, not on the first export.
func NewHTTPExporter(url string, auth HTTPAuthConfig) (*HTTPExporter, error) {
	if url == "" {
		return nil, &errors.ConfigError{
			Key:    "metrics.export.url",
			Reason: "http backend requires a url",
		}
	}

	e := &HTTPExporter{
		url:    url,
		auth:   auth,
		client: &http.Client{Timeout: 15 * time.Second},
	}

	switch auth.Kind {
	case HTTPAuthNone:
	case HTTPAuthBearer:
		if auth.Token == "" {
			return nil, &errors.ConfigError{
				Key:    "metrics.export.auth",
				Reason: "bearer auth requires a token",
			}
		}
	case HTTPAuthOAuth2:
		if auth.ClientID == "" || auth.TokenURL == "" {
			return nil, &errors.ConfigError{
				Key:    "metrics.export.auth",
				Reason: "oauth2 auth requires clientId and tokenUrl",
			}
		}
		cc := &clientcredentials.Config{
			ClientID:     auth.ClientID,
			ClientSecret: auth.ClientSecret,
			TokenURL:     auth.TokenURL,
			Scopes:       auth.Scopes,
		}
		e.tokenSource = cc.TokenSource(context.Background())
	case HTTPAuthSigV4:
		if auth.Region == "" || auth.Service == "" {
			return nil, &errors.ConfigError{
				Key:    "metrics.export.auth",
				Reason: "sigv4 auth requires region and service",
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(auth.Region))
		if err != nil {
			return nil, &errors.ConfigError{
				Key:    "metrics.export.auth",
				Reason: "failed to load AWS configuration",
				Cause:  err,
			}
		}
		e.awsConfig = awsCfg
		e.signer = v4.NewSigner()
	default:
		return nil, &errors.ConfigError{
			Key:    "metrics.export.auth",
			Reason: "unknown auth kind " + string(auth.Kind),
		}
	}

	return e, nil
}

// Name implements Exporter.
func (e *HTTPExporter) Name() string { return "http" }

// Export implements Exporter.
func (e *HTTPExporter) Export(ctx context.Context, snap Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	if err := e.authenticate(ctx, req, body); err != nil {
		return err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return &errors.TransportError{Transport: "http", Message: "export request failed", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return &errors.TransportError{
			Transport: "http",
			Message:   fmt.Sprintf("export returned status %d", resp.StatusCode),
		}
	}
	return nil
}

func (e *HTTPExporter) authenticate(ctx context.Context, req *http.Request, body []byte) error {
	switch e.auth.Kind {
	case HTTPAuthNone:
		return nil
	case HTTPAuthBearer:
		req.Header.Set("Authorization", "Bearer "+e.auth.Token)
		return nil
	case HTTPAuthOAuth2:
		tok, err := e.tokenSource.Token()
		if err != nil {
			return &errors.TransportError{Transport: "http", Message: "oauth2 token fetch failed", Cause: err}
		}
		tok.SetAuthHeader(req)
		return nil
	case HTTPAuthSigV4:
		creds, err := e.refreshCredentials(ctx)
		if err != nil {
			return err
		}
		hash := sha256.Sum256(body)
		payloadHash := hex.EncodeToString(hash[:])
		req.Header.Set("X-Amz-Content-Sha256", payloadHash)
		return e.signer.SignHTTP(ctx, creds, req, payloadHash, e.auth.Service, e.auth.Region, time.Now())
	}
	return nil
}

// refreshCredentials resolves AWS credentials through the provider chain,
// caching them for at most an hour.
func (e *HTTPExporter) refreshCredentials(ctx context.Context) (aws.Credentials, error) {
	e.credMu.Lock()
	defer e.credMu.Unlock()

	if !e.credExpiry.IsZero() && time.Now().Before(e.credExpiry) {
		return e.creds, nil
	}

	creds, err := e.awsConfig.Credentials.Retrieve(ctx)
	if err != nil {
		return aws.Credentials{}, &errors.TransportError{
			Transport: "http",
			Message:   "unable to resolve AWS credentials",
			Cause:     err,
		}
	}

	expiry := creds.Expires
	if expiry.IsZero() || time.Until(expiry) > time.Hour {
		expiry = time.Now().Add(time.Hour)
	}
	e.creds = creds
	e.credExpiry = expiry
	return creds, nil
}

// ValidateCredentials calls STS GetCallerIdentity to confirm the sigv4
// credential chain resolves to a real principal. Only meaningful for the
// sigv4 auth kind; other kinds return nil.
func (e *HTTPExporter) ValidateCredentials(ctx context.Context) error {
	if e.auth.Kind != HTTPAuthSigV4 {
		return nil
	}

	if _, err := e.refreshCredentials(ctx); err != nil {
		return err
	}

	validationCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	stsClient := sts.NewFromConfig(e.awsConfig)
	if _, err := stsClient.GetCallerIdentity(validationCtx, &sts.GetCallerIdentityInput{}); err != nil {
		return &errors.TransportError{
			Transport: "http",
			Message:   "AWS credential validation failed",
			Cause:     err,
		}
	}
	return nil
}
