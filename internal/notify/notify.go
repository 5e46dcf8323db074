package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/smtp"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/macjediwizard/tracsync/internal/logger"
	"github.com/macjediwizard/tracsync/internal/validator"
)

var (
	// emailRegex is a simple email validation regex
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

	ErrInvalidConfig = errors.New("invalid notification configuration")
)

// AlertType represents the type of alert.
type AlertType string

const (
	AlertTypeAuth     AlertType = "auth_failed"
	AlertTypeFailure  AlertType = "sync_failed"
	AlertTypeRecovery AlertType = "recovery"
)

// Alert represents a notification alert.
type Alert struct {
	Type      AlertType
	OrgID     string
	OrgName   string
	Message   string
	Details   string
	Timestamp time.Time
}

// Config holds notification configuration.
type Config struct {
	WebhookURL string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPTo       []string
	SMTPTLS      bool // implicit TLS, usually port 465

	// Cooldown is how long to wait before re-alerting for the same org and
	// alert type.
	Cooldown time.Duration
}

// WebhookEnabled reports whether a webhook is configured.
func (c *Config) WebhookEnabled() bool {
	return c.WebhookURL != ""
}

// EmailEnabled reports whether email delivery is configured.
func (c *Config) EmailEnabled() bool {
	return c.SMTPHost != "" && len(c.SMTPTo) > 0
}

// ValidateConfig validates the notification configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.EmailEnabled() {
		if cfg.SMTPPort < 1 || cfg.SMTPPort > 65535 {
			return fmt.Errorf("%w: SMTP port must be between 1 and 65535", ErrInvalidConfig)
		}
		if !isValidEmail(cfg.SMTPFrom) {
			return fmt.Errorf("%w: invalid SMTP from address", ErrInvalidConfig)
		}
		for _, to := range cfg.SMTPTo {
			if !isValidEmail(to) {
				return fmt.Errorf("%w: invalid SMTP recipient address: %s", ErrInvalidConfig, to)
			}
		}
	}

	if cfg.Cooldown < time.Minute {
		return fmt.Errorf("%w: cooldown period must be at least 1 minute", ErrInvalidConfig)
	}

	return nil
}

// isValidEmail validates an email address format.
func isValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}

// sanitizeForEmail removes characters that could be used for email header injection.
func sanitizeForEmail(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient replaces the webhook HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(n *Notifier) {
		n.httpClient = hc
	}
}

// WithValidator replaces the validator used to vet webhook hosts.
func WithValidator(v *validator.Validator) Option {
	return func(n *Notifier) {
		n.urls = v
	}
}

// Notifier sends alerts about org sync health.
type Notifier struct {
	cfg        *Config
	httpClient *http.Client
	urls       *validator.Validator
	now        func() time.Time

	mu         sync.Mutex
	lastAlerts map[string]time.Time // orgID/type -> last sent
	failing    map[string]bool      // orgs with an outstanding alert

	wg sync.WaitGroup
}

// New creates a new Notifier.
func New(cfg *Config, opts ...Option) *Notifier {
	n := &Notifier{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		urls:       validator.New(),
		now:        time.Now,
		lastAlerts: make(map[string]time.Time),
		failing:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// IsEnabled returns true if any notification method is enabled.
func (n *Notifier) IsEnabled() bool {
	return n.cfg.WebhookEnabled() || n.cfg.EmailEnabled()
}

// SendAuthAlert reports that the remote rejected an org's credentials.
// Returns false while the org is in cooldown for this alert type.
func (n *Notifier) SendAuthAlert(ctx context.Context, orgID, orgName, details string) bool {
	return n.raise(ctx, Alert{
		Type:    AlertTypeAuth,
		OrgID:   orgID,
		OrgName: orgName,
		Message: fmt.Sprintf("Org '%s' was rejected by the remote API", orgName),
		Details: details + ". Sync is paused until the token is replaced.",
	})
}

// SendFailureAlert reports an org pass that keeps failing.
func (n *Notifier) SendFailureAlert(ctx context.Context, orgID, orgName, details string) bool {
	return n.raise(ctx, Alert{
		Type:    AlertTypeFailure,
		OrgID:   orgID,
		OrgName: orgName,
		Message: fmt.Sprintf("Sync for org '%s' is failing", orgName),
		Details: details,
	})
}

// SendRecoveryAlert reports that an org with an outstanding alert synced
// successfully again. It is a no-op for orgs that never alerted.
func (n *Notifier) SendRecoveryAlert(ctx context.Context, orgID, orgName string) bool {
	n.mu.Lock()
	wasFailing := n.failing[orgID]
	if wasFailing {
		n.clearLocked(orgID)
	}
	n.mu.Unlock()

	if !wasFailing {
		return false
	}

	n.dispatch(ctx, Alert{
		Type:      AlertTypeRecovery,
		OrgID:     orgID,
		OrgName:   orgName,
		Message:   fmt.Sprintf("Org '%s' has recovered", orgName),
		Details:   "Org is now syncing normally",
		Timestamp: n.now(),
	})
	return true
}

// ClearState forgets an org's alert history (used when an org is removed).
func (n *Notifier) ClearState(orgID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clearLocked(orgID)
}

// Wait blocks until every alert in flight has been delivered or failed.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) clearLocked(orgID string) {
	delete(n.failing, orgID)
	for _, t := range []AlertType{AlertTypeAuth, AlertTypeFailure} {
		delete(n.lastAlerts, alertKey(orgID, t))
	}
}

func alertKey(orgID string, t AlertType) string {
	return orgID + "/" + string(t)
}

func (n *Notifier) raise(ctx context.Context, alert Alert) bool {
	now := n.now()
	key := alertKey(alert.OrgID, alert.Type)

	n.mu.Lock()
	if last, ok := n.lastAlerts[key]; ok && now.Sub(last) < n.cfg.Cooldown {
		n.mu.Unlock()
		return false
	}
	n.lastAlerts[key] = now
	n.failing[alert.OrgID] = true
	n.mu.Unlock()

	alert.Timestamp = now
	n.dispatch(ctx, alert)
	return true
}

// dispatch delivers in the background so a slow channel never holds up a pass.
func (n *Notifier) dispatch(ctx context.Context, alert Alert) {
	if !n.IsEnabled() {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.send(context.WithoutCancel(ctx), alert)
	}()
}

// send sends the alert via all configured channels.
func (n *Notifier) send(ctx context.Context, alert Alert) {
	if n.cfg.WebhookEnabled() {
		if err := n.sendWebhook(ctx, alert); err != nil {
			logger.Error().Err(err).Str("org_id", alert.OrgID).Msg("Webhook alert failed")
		}
	}

	if n.cfg.EmailEnabled() {
		recipientSet := make(map[string]struct{})
		recipients := make([]string, 0, len(n.cfg.SMTPTo))
		for _, email := range n.cfg.SMTPTo {
			lower := strings.ToLower(email)
			if _, dup := recipientSet[lower]; dup {
				continue
			}
			recipientSet[lower] = struct{}{}
			recipients = append(recipients, lower)
		}

		if err := n.sendEmail(alert, recipients); err != nil {
			logger.Error().Err(err).Str("org_id", alert.OrgID).Msg("Email alert failed")
		}
	}
}

// WebhookPayload is the JSON payload sent to webhooks.
type WebhookPayload struct {
	AlertType string `json:"alert_type"`
	OrgID     string `json:"org_id"`
	OrgName   string `json:"org_name"`
	Message   string `json:"message"`
	Details   string `json:"details"`
	Timestamp string `json:"timestamp"`
	// Slack-compatible fields
	Text string `json:"text,omitempty"`
}

func (n *Notifier) sendWebhook(ctx context.Context, alert Alert) error {
	if err := n.urls.ValidatePublicHost(n.cfg.WebhookURL); err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}

	emoji := ""
	switch alert.Type {
	case AlertTypeAuth:
		emoji = ":lock:"
	case AlertTypeFailure:
		emoji = ":x:"
	case AlertTypeRecovery:
		emoji = ":white_check_mark:"
	}

	payload := WebhookPayload{
		AlertType: string(alert.Type),
		OrgID:     alert.OrgID,
		OrgName:   alert.OrgName,
		Message:   alert.Message,
		Details:   alert.Details,
		Timestamp: alert.Timestamp.Format(time.RFC3339),
		Text:      fmt.Sprintf("%s *%s*\n%s", emoji, alert.Message, alert.Details),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	logger.Info().Str("org_id", alert.OrgID).Str("alert", string(alert.Type)).Msg("Webhook alert sent")
	return nil
}

// buildEmail renders the alert as a plain text message with headers.
func (n *Notifier) buildEmail(alert Alert, recipients []string) string {
	orgName := sanitizeForEmail(alert.OrgName)
	message := sanitizeForEmail(alert.Message)
	details := sanitizeForEmail(alert.Details)

	var body strings.Builder
	fmt.Fprintf(&body, "Alert Type: %s\n", alert.Type)
	fmt.Fprintf(&body, "Org: %s\n", orgName)
	fmt.Fprintf(&body, "Org ID: %s\n", alert.OrgID)
	fmt.Fprintf(&body, "Time: %s\n\n", alert.Timestamp.Format(time.RFC1123))
	fmt.Fprintf(&body, "Message: %s\n", message)
	fmt.Fprintf(&body, "Details: %s\n", details)

	return fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: [tracsync] %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		n.cfg.SMTPFrom, strings.Join(recipients, ", "), message, body.String())
}

func (n *Notifier) sendEmail(alert Alert, recipients []string) error {
	msg := n.buildEmail(alert, recipients)
	addr := fmt.Sprintf("%s:%d", n.cfg.SMTPHost, n.cfg.SMTPPort)

	var auth smtp.Auth
	if n.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", n.cfg.SMTPUsername, n.cfg.SMTPPassword, n.cfg.SMTPHost)
	}

	var err error
	if n.cfg.SMTPTLS {
		err = n.sendEmailTLS(addr, auth, n.cfg.SMTPFrom, recipients, []byte(msg))
	} else {
		err = smtp.SendMail(addr, auth, n.cfg.SMTPFrom, recipients, []byte(msg))
	}
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	logger.Info().Str("org_id", alert.OrgID).Int("recipients", len(recipients)).Msg("Email alert sent")
	return nil
}

// sendEmailTLS sends email over implicit TLS.
func (n *Notifier) sendEmailTLS(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	tlsConfig := &tls.Config{
		ServerName: n.cfg.SMTPHost,
		MinVersion: tls.VersionTLS12,
	}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("dial TLS: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, n.cfg.SMTPHost)
	if err != nil {
		return fmt.Errorf("create SMTP client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}

	for _, recipient := range to {
		if err := client.Rcpt(recipient); err != nil {
			return fmt.Errorf("rcpt to %s: %w", recipient, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}

	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	return client.Quit()
}
