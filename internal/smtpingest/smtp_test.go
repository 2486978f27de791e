package smtpingest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/looprock/subscan/internal/database"
	"github.com/looprock/subscan/internal/mailfetch"
)

type recordingIngestor struct {
	conns    []*database.Connection
	messages []mailfetch.RawMessage
}

func (r *recordingIngestor) IngestMessage(_ context.Context, conn *database.Connection, msg mailfetch.RawMessage) (bool, bool, error) {
	r.conns = append(r.conns, conn)
	r.messages = append(r.messages, msg)
	return true, true, nil
}

func newTestReceiver(t *testing.T) (*Receiver, *recordingIngestor, *database.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared",
		strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := database.New(&database.Config{Driver: "sqlite", DSN: dsn}, nil)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate())
	t.Cleanup(func() { _ = db.Close() })

	ingestor := &recordingIngestor{}
	rcv := NewReceiver(db, ingestor, Config{Domain: "in.example.com"}, nil)
	return rcv, ingestor, db
}

func TestUserForAddress(t *testing.T) {
	rcv, _, _ := newTestReceiver(t)

	cases := []struct {
		address string
		userID  string
		wantErr bool
	}{
		{"receipts+user-1@in.example.com", "user-1", false},
		{"Receipts+USER-1@IN.EXAMPLE.COM", "user-1", false},
		{"receipts+@in.example.com", "", true},
		{"billing@in.example.com", "", true},
		{"receipts+user-1@elsewhere.com", "", true},
		{"not-an-address", "", true},
	}
	for _, tc := range cases {
		userID, err := rcv.userForAddress(tc.address)
		if tc.wantErr {
			assert.Error(t, err, tc.address)
			continue
		}
		require.NoError(t, err, tc.address)
		assert.Equal(t, tc.userID, userID, tc.address)
	}
}

func TestParseMessageHeadersAndBody(t *testing.T) {
	raw := strings.Join([]string{
		"From: Netflix <info@netflix.com>",
		"Subject: Your Netflix",
		" receipt",
		"Message-ID: <abc123@mailer.netflix.com>",
		"Date: Mon, 10 Mar 2025 12:00:00 +0000",
		"",
		"Your payment of $15.49 was processed.",
		"Thanks for subscribing.",
	}, "\r\n")

	headers, body := parseMessage(raw)

	assert.Equal(t, "Netflix <info@netflix.com>", firstHeader(headers, "From"))
	assert.Equal(t, "Your Netflix receipt", firstHeader(headers, "subject"),
		"continuation lines fold and lookup is case-insensitive")
	assert.Equal(t, "<abc123@mailer.netflix.com>", firstHeader(headers, "Message-Id"))
	assert.Equal(t, "Your payment of $15.49 was processed.\nThanks for subscribing.", body)
}

func TestParseMessageBareLineEndings(t *testing.T) {
	raw := "Subject: Hello\nMessage-ID: <x@y>\n\nbody line"
	headers, body := parseMessage(raw)
	assert.Equal(t, "Hello", firstHeader(headers, "Subject"))
	assert.Equal(t, "body line", body)
}

func TestDataIngestsForwardedMail(t *testing.T) {
	rcv, ingestor, db := newTestReceiver(t)
	sess := &session{receiver: rcv}

	require.NoError(t, sess.Mail("user@gmail.com", nil))
	require.NoError(t, sess.Rcpt("receipts+user-1@in.example.com", nil))

	raw := strings.Join([]string{
		"From: Netflix <info@netflix.com>",
		"Subject: Your Netflix receipt",
		"Message-ID: <abc123@mailer.netflix.com>",
		"Date: Mon, 10 Mar 2025 12:00:00 +0000",
		"",
		"Your payment of $15.49 was processed.",
	}, "\r\n")

	require.NoError(t, sess.Data(strings.NewReader(raw)))

	require.Len(t, ingestor.messages, 1)
	msg := ingestor.messages[0]
	assert.Equal(t, "smtp:abc123@mailer.netflix.com", msg.ID)
	assert.Equal(t, "Netflix <info@netflix.com>", msg.From)
	assert.Equal(t, "Your Netflix receipt", msg.Subject)
	assert.Equal(t, time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC), msg.ReceivedAt.UTC())

	require.Len(t, ingestor.conns, 1)
	assert.Equal(t, "user-1", ingestor.conns[0].UserID)
	assert.Equal(t, "forward", ingestor.conns[0].Provider)

	// The backing connection row is reused on the next forward.
	conn, err := db.UpsertConnectionByExternalAccount(context.Background(),
		"user-1", "receipts+user-1@in.example.com", "forward")
	require.NoError(t, err)
	assert.Equal(t, ingestor.conns[0].ID, conn.ID)
}

func TestDataRejectsMissingMessageID(t *testing.T) {
	rcv, ingestor, _ := newTestReceiver(t)
	sess := &session{receiver: rcv}
	require.NoError(t, sess.Rcpt("receipts+user-1@in.example.com", nil))

	raw := "From: x@y.com\r\nSubject: no id\r\n\r\nbody"
	err := sess.Data(strings.NewReader(raw))
	require.Error(t, err)
	assert.Empty(t, ingestor.messages)
}

func TestRcptRejectsUnknownAddress(t *testing.T) {
	rcv, _, _ := newTestReceiver(t)
	sess := &session{receiver: rcv}
	assert.Error(t, sess.Rcpt("somebody@in.example.com", nil))
	assert.NoError(t, sess.Rcpt("receipts+user-1@in.example.com", nil))
}
