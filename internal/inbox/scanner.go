package inbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	"github.com/eraser-privacy/unsubscriber/internal/config"
	"github.com/eraser-privacy/unsubscriber/internal/logger"
)

// Errors returned by Connect, wrapped with the server's message.
var (
	ErrDial                = errors.New("failed to connect to IMAP server")
	ErrLogin               = errors.New("failed to login")
	ErrAppPasswordRequired = errors.New("application-specific password required")
)

const (
	searchKeyword = "unsubscribe"
	fetchBatch    = 50
	dialTimeout   = 30 * time.Second

	// Upper bound for a single IMAP command, including a whole fetch batch.
	commandTimeout = 2 * time.Minute
)

// Scanner searches a mailbox for messages mentioning "unsubscribe" and
// returns their HTML bodies.
type Scanner struct {
	config config.InboxConfig
	client *client.Client

	// stops the watcher that closes the connection once the Connect
	// context is done
	release func() bool
}

func NewScanner(cfg config.InboxConfig) *Scanner {
	return &Scanner{config: cfg}
}

// Connect establishes the IMAP connection and logs in.
func (s *Scanner) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Server, s.config.Port)
	ctx = logger.WithFields(ctx, zap.String("server", addr))

	logger.Info(ctx, "connecting to IMAP server")

	dialer := &tls.Dialer{NetDialer: &net.Dialer{Timeout: dialTimeout}}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w %s: %v", ErrDial, addr, err)
	}

	// Closing the connection aborts whatever command is in flight, so
	// cancellation reaches login, search and fetch alike.
	release := context.AfterFunc(ctx, func() {
		logger.Warn(ctx, "context done, closing IMAP connection")
		_ = conn.Close()
	})

	c, err := client.New(conn)
	if err != nil {
		release()
		_ = conn.Close()
		return fmt.Errorf("%w %s: %v", ErrDial, addr, err)
	}
	c.Timeout = commandTimeout

	logger.Info(ctx, "connected, logging in", zap.String("email", s.config.Email))

	if err := c.Login(s.config.Email, s.config.Password); err != nil {
		release()
		_ = c.Logout()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w %s: %v", ErrDial, addr, ctxErr)
		}
		return classifyLoginError(err)
	}

	s.client = c
	s.release = release
	logger.Info(ctx, "login successful")
	return nil
}

func classifyLoginError(err error) error {
	if strings.Contains(strings.ToLower(err.Error()), "application-specific password required") {
		return fmt.Errorf("%w: %v", ErrAppPasswordRequired, err)
	}
	return fmt.Errorf("%w: %v", ErrLogin, err)
}

// Disconnect closes the IMAP connection
func (s *Scanner) Disconnect() error {
	if s.client == nil {
		return nil
	}
	if s.release != nil {
		s.release()
		s.release = nil
	}
	err := s.client.Logout()
	s.client = nil
	return err
}

// FetchHTMLBodies returns the text/html parts of every message in the
// configured folder whose body contains "unsubscribe". Messages that fail to
// parse are logged and skipped.
func (s *Scanner) FetchHTMLBodies(ctx context.Context) ([]string, error) {
	if s.client == nil {
		return nil, fmt.Errorf("not connected to IMAP server")
	}

	mbox, err := s.client.Select(s.config.Folder, true)
	if err != nil {
		return nil, fmt.Errorf("failed to select mailbox %s: %w", s.config.Folder, err)
	}

	ctx = logger.WithFields(ctx, zap.String("folder", s.config.Folder))
	logger.Info(ctx, "mailbox selected", zap.Uint32("messages", mbox.Messages))

	if mbox.Messages == 0 {
		return nil, nil
	}

	uids, err := s.client.UidSearch(searchCriteria(s.config.SinceDays, time.Now()))
	if err != nil {
		return nil, fmt.Errorf("failed to search emails: %w", err)
	}

	logger.Info(ctx, "found matching emails", zap.Int("count", len(uids)))

	var bodies []string
	for i := 0; i < len(uids); i += fetchBatch {
		if err := ctx.Err(); err != nil {
			return bodies, err
		}

		end := i + fetchBatch
		if end > len(uids) {
			end = len(uids)
		}

		batch, err := s.fetchBatch(ctx, uids[i:end])
		if err != nil {
			logger.Warn(ctx, "error fetching batch", zap.Int("offset", i), zap.Error(err))
		}
		bodies = append(bodies, batch...)

		logger.Debug(ctx, "processed emails", zap.Int("done", end), zap.Int("total", len(uids)))
	}

	return bodies, nil
}

func searchCriteria(sinceDays int, now time.Time) *imap.SearchCriteria {
	criteria := imap.NewSearchCriteria()
	criteria.Body = []string{searchKeyword}
	if sinceDays > 0 {
		criteria.Since = now.AddDate(0, 0, -sinceDays)
	}
	return criteria
}

func (s *Scanner) fetchBatch(ctx context.Context, uids []uint32) ([]string, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	var bodies []string
	for msg := range messages {
		r := msg.GetBody(section)
		if r == nil {
			logger.Warn(ctx, "message has no body", zap.Uint32("uid", msg.Uid))
			continue
		}

		parts, err := HTMLParts(r)
		if err != nil {
			logger.Warn(ctx, "failed to parse message", zap.Uint32("uid", msg.Uid), zap.Error(err))
		}
		bodies = append(bodies, parts...)
	}

	return bodies, <-done
}

// HTMLParts walks a raw RFC 5322 message and returns its decoded text/html
// parts. Parts read before a parse error are still returned.
func HTMLParts(r io.Reader) ([]string, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	defer mr.Close()

	var parts []string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return parts, fmt.Errorf("failed to read part: %w", err)
		}

		// Inline and attachment headers both carry a content type; an
		// HTML part is used whatever its disposition.
		h, ok := p.Header.(interface {
			ContentType() (string, map[string]string, error)
		})
		if !ok {
			continue
		}
		ct, _, err := h.ContentType()
		if err != nil || !strings.EqualFold(ct, "text/html") {
			continue
		}

		body, err := io.ReadAll(p.Body)
		if err != nil {
			return parts, fmt.Errorf("failed to read html part: %w", err)
		}
		parts = append(parts, string(body))
	}

	return parts, nil
}
