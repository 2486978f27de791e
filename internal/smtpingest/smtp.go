// Package smtpingest accepts user-forwarded billing receipts over SMTP.
// A user forwards mail to receipts+<userid>@<domain>; the message runs
// through the same store-parse-reconcile path as scanned mail, keyed by
// its Message-ID header so repeated forwards stay idempotent.
package smtpingest

import (
	"context"
	"fmt"
	"io"
	"net/textproto"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"github.com/looprock/subscan/internal/database"
	"github.com/looprock/subscan/internal/mailfetch"
)

// Ingestor is the pipeline entry point shared with the scan orchestrator.
type Ingestor interface {
	IngestMessage(ctx context.Context, conn *database.Connection, msg mailfetch.RawMessage) (stored, parsed bool, err error)
}

// Config holds the receiver settings.
type Config struct {
	Host         string
	Port         int
	Domain       string
	MaxEmailSize int64
}

// Receiver is the SMTP forward-in server.
type Receiver struct {
	db       *database.DB
	ingestor Ingestor
	config   Config
	logger   *zap.SugaredLogger
}

// NewReceiver creates the forward-in receiver.
func NewReceiver(db *database.DB, ingestor Ingestor, config Config, logger *zap.SugaredLogger) *Receiver {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Receiver{db: db, ingestor: ingestor, config: config, logger: logger}
}

// Start runs the SMTP server until it fails or is closed.
func (rcv *Receiver) Start() error {
	s := smtp.NewServer(&backend{receiver: rcv})
	s.Addr = fmt.Sprintf("%s:%d", rcv.config.Host, rcv.config.Port)
	s.Domain = rcv.config.Domain
	s.ReadTimeout = 30 * time.Second
	s.WriteTimeout = 30 * time.Second
	s.MaxMessageBytes = rcv.config.MaxEmailSize
	s.MaxRecipients = 5
	s.AllowInsecureAuth = true

	rcv.logger.Infow("starting SMTP forward-in receiver", "addr", s.Addr, "domain", s.Domain)
	return s.ListenAndServe()
}

// The backend implements SMTP server methods
type backend struct {
	receiver *Receiver
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &session{
		receiver:   b.receiver,
		remoteAddr: c.Conn().RemoteAddr().String(),
	}, nil
}

// A session is returned after EHLO
type session struct {
	receiver   *Receiver
	remoteAddr string
	from       string
	to         []string
}

func (s *session) AuthPlain(_, _ string) error { return nil }

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if _, err := s.receiver.userForAddress(to); err != nil {
		return &smtp.SMTPError{Code: 550, Message: "no such forwarding address"}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read email data: %w", err)
	}

	headers, body := parseMessage(string(data))

	subject := firstHeader(headers, "Subject")
	messageID := strings.Trim(firstHeader(headers, "Message-ID"), "<>")
	if messageID == "" {
		// Without a Message-ID there is no idempotency key; refuse
		// rather than risk double ingestion.
		return &smtp.SMTPError{Code: 550, Message: "message has no Message-ID"}
	}

	receivedAt := time.Now().UTC()
	if date := firstHeader(headers, "Date"); date != "" {
		if t, err := time.Parse(time.RFC1123Z, date); err == nil {
			receivedAt = t.UTC()
		}
	}

	// The original sender survives forwarding in From when the user
	// forwards verbatim; fall back to the envelope sender.
	from := firstHeader(headers, "From")
	if from == "" {
		from = s.from
	}

	for _, recipient := range s.to {
		if err := s.receiver.ingest(recipient, mailfetch.RawMessage{
			ID:         "smtp:" + messageID,
			From:       from,
			Subject:    subject,
			ReceivedAt: receivedAt,
			Body:       body,
		}); err != nil {
			s.receiver.logger.Errorw("forward-in ingestion failed",
				"recipient", recipient, "remote", s.remoteAddr, "error", err)
			return &smtp.SMTPError{Code: 451, Message: "ingestion failed"}
		}
	}
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error { return nil }

func (rcv *Receiver) ingest(recipient string, msg mailfetch.RawMessage) error {
	userID, err := rcv.userForAddress(recipient)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := rcv.db.UpsertConnectionByExternalAccount(ctx, userID, recipient, "forward")
	if err != nil {
		return err
	}

	stored, parsed, err := rcv.ingestor.IngestMessage(ctx, conn, msg)
	if err != nil {
		return err
	}
	rcv.logger.Infow("forwarded receipt processed", "user_id", userID,
		"message_id", msg.ID, "stored", stored, "parsed", parsed)
	return nil
}

// userForAddress maps receipts+<userid>@<domain> to the user id.
func (rcv *Receiver) userForAddress(address string) (string, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	at := strings.LastIndex(address, "@")
	if at < 0 || address[at+1:] != strings.ToLower(rcv.config.Domain) {
		return "", fmt.Errorf("address %q not in forwarding domain", address)
	}
	local := address[:at]
	userID, ok := strings.CutPrefix(local, "receipts+")
	if !ok || userID == "" {
		return "", fmt.Errorf("address %q is not a forwarding address", address)
	}
	return userID, nil
}

// parseMessage splits a raw RFC 822 message into headers and body,
// handling header continuation lines.
func parseMessage(raw string) (map[string][]string, string) {
	lines := strings.Split(raw, "\r\n")
	if len(lines) == 1 {
		lines = strings.Split(raw, "\n")
	}

	headers := make(map[string][]string)
	var currentHeader string
	bodyStart := len(lines)

	for i, line := range lines {
		if line == "" {
			bodyStart = i + 1
			break
		}

		// Handle header continuation lines
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			if currentHeader != "" && len(headers[currentHeader]) > 0 {
				last := len(headers[currentHeader]) - 1
				headers[currentHeader][last] += " " + strings.TrimSpace(line)
			}
			continue
		}

		if idx := strings.Index(line, ":"); idx > 0 {
			currentHeader = textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(line[:idx]))
			headers[currentHeader] = append(headers[currentHeader], strings.TrimSpace(line[idx+1:]))
		}
	}

	return headers, strings.Join(lines[bodyStart:], "\n")
}

func firstHeader(headers map[string][]string, key string) string {
	if values := headers[textproto.CanonicalMIMEHeaderKey(key)]; len(values) > 0 {
		return values[0]
	}
	return ""
}
