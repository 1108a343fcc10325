package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Template names dispatched by the registration and reset flows.
const (
	MailTemplateVerification      = "account-verification"
	MailTemplateAlreadyRegistered = "email-already-registered"
	MailTemplatePasswordReset     = "password-reset"
)

// VerificationURL builds the link embedded in verification emails. The
// origin is a required configuration value, not a security check.
func VerificationURL(origin, token string) string {
	return fmt.Sprintf("%s/account/verify-email?token=%s", origin, url.QueryEscape(token))
}

// PasswordResetURL builds the link embedded in reset emails.
func PasswordResetURL(origin, token string) string {
	return fmt.Sprintf("%s/account/reset-password?token=%s", origin, url.QueryEscape(token))
}

type noopMailer struct{}

func (noopMailer) Send(context.Context, string, string, map[string]string) error {
	return nil
}

func normalizeMailer(m Mailer) Mailer {
	if m == nil {
		return noopMailer{}
	}
	return m
}

// HTTPMailer dispatches templated email through a transactional mail API
// that accepts a template id plus substitution variables per message.
type HTTPMailer struct {
	apiURL     string
	apiKey     string
	fromEmail  string
	fromName   string
	httpClient *http.Client
	logger     Logger
}

// NewHTTPMailer creates a mailer pointed at the given API endpoint.
func NewHTTPMailer(apiURL, apiKey, fromEmail, fromName string) *HTTPMailer {
	return &HTTPMailer{
		apiURL:    apiURL,
		apiKey:    apiKey,
		fromEmail: fromEmail,
		fromName:  fromName,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: defLogger{},
	}
}

// WithLogger overrides the logger used by the mailer.
func (m *HTTPMailer) WithLogger(logger Logger) *HTTPMailer {
	if logger != nil {
		m.logger = logger
	}
	return m
}

// Send implements Mailer.
func (m *HTTPMailer) Send(ctx context.Context, template, recipient string, values map[string]string) error {
	reqBody := map[string]any{
		"from": map[string]string{
			"email": m.fromEmail,
			"name":  m.fromName,
		},
		"to": []map[string]string{
			{"email": recipient},
		},
		"template_id":        template,
		"template_variables": values,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshaling email request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.apiURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("building email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending email request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("email API returned status %d", resp.StatusCode)
	}

	m.logger.Debug("dispatched %s email to %s", template, recipient)
	return nil
}
