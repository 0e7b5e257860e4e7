package cistatus

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Notifier is told about every newly written status row.
type Notifier interface {
	StatusCreated(ctx context.Context, ci CiSystem, st Status) error
	ProductStatusCreated(ctx context.Context, product ProductCi, st ProductCiStatus) error
}

type nopNotifier struct{}

func (nopNotifier) StatusCreated(context.Context, CiSystem, Status) error { return nil }

func (nopNotifier) ProductStatusCreated(context.Context, ProductCi, ProductCiStatus) error {
	return nil
}

// SyslogSender delivers one RFC5424 line.
type SyslogSender interface {
	Send(ctx context.Context, severity int, appName string, structuredData string, message string) error
}

const (
	facilityLocal0 = 16

	severityWarning = 4
	severityNotice  = 5
	severityInfo    = 6

	defaultService = "ci-status"
	sdID           = "cistatus"
)

// SyslogClient writes each message over a fresh TCP connection.
type SyslogClient struct {
	addr    string
	timeout time.Duration
}

func NewSyslogClient(addr string, timeout time.Duration) *SyslogClient {
	return &SyslogClient{addr: addr, timeout: timeout}
}

func (c *SyslogClient) Send(ctx context.Context, severity int, appName string, structuredData string, message string) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	host, _ := os.Hostname()
	if appName == "" {
		appName = defaultService
	}
	pri := facilityLocal0*8 + severity
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	if structuredData == "" {
		structuredData = "-"
	}
	line := fmt.Sprintf("<%d>1 %s %s %s - - %s %s\n", pri, ts, sanitizeSyslogToken(host), sanitizeSyslogToken(appName), structuredData, strings.TrimSpace(message))

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(line); err != nil {
		return err
	}
	return w.Flush()
}

func sanitizeSyslogToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "-"
	}
	return strings.ReplaceAll(s, " ", "_")
}

// SyslogNotifier turns status rows into syslog lines.
type SyslogNotifier struct {
	sender  SyslogSender
	service string
}

func NewSyslogNotifier(sender SyslogSender, service string) *SyslogNotifier {
	if strings.TrimSpace(service) == "" {
		service = defaultService
	}
	return &SyslogNotifier{sender: sender, service: service}
}

func (n *SyslogNotifier) StatusCreated(ctx context.Context, ci CiSystem, st Status) error {
	sd := buildStructuredData(sdID, map[string]string{
		"service":      n.service,
		"ci":           ci.String(),
		"ci_url":       ci.URL,
		"status":       st.StatusType.String(),
		"manual":       strconv.FormatBool(st.IsManual),
		"last_changed": st.LastChangedAt.UTC().Format(time.RFC3339),
	})
	msg := fmt.Sprintf("%s is %s: %s", ci.String(), st.StatusType, st.Summary)
	return n.sender.Send(ctx, statusSeverity(st.StatusType), n.service, sd, msg)
}

func (n *SyslogNotifier) ProductStatusCreated(ctx context.Context, product ProductCi, st ProductCiStatus) error {
	sd := buildStructuredData(sdID, map[string]string{
		"service":      n.service,
		"product":      product.Name,
		"version":      product.Version,
		"status":       st.StatusType.String(),
		"manual":       strconv.FormatBool(st.IsManual),
		"last_changed": st.LastChangedAt.UTC().Format(time.RFC3339),
	})
	name := product.Name
	if product.Version != "" {
		name += " " + product.Version
	}
	msg := fmt.Sprintf("%s is %s: %s", name, st.StatusType, st.Summary)
	return n.sender.Send(ctx, statusSeverity(st.StatusType), n.service, sd, msg)
}

func statusSeverity(code StatusType) int {
	switch code {
	case StatusFail, StatusError:
		return severityWarning
	case StatusSuccess:
		return severityInfo
	default:
		return severityNotice
	}
}

func buildStructuredData(id string, kv map[string]string) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(id)
	preferredOrder := []string{"service", "ci", "ci_url", "product", "version", "status", "manual"}
	seen := make(map[string]struct{}, len(kv))
	write := func(k, v string) {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=\"")
		b.WriteString(escapeSDParam(v))
		b.WriteString("\"")
	}
	for _, k := range preferredOrder {
		v, ok := kv[k]
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		seen[k] = struct{}{}
		write(k, v)
	}
	extra := make([]string, 0, len(kv))
	for k, v := range kv {
		if _, ok := seen[k]; ok || strings.TrimSpace(v) == "" {
			continue
		}
		extra = append(extra, k)
	}
	sort.Strings(extra)
	for _, k := range extra {
		write(k, kv[k])
	}
	b.WriteString("]")
	return b.String()
}

func escapeSDParam(v string) string {
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	v = strings.ReplaceAll(v, "]", "\\]")
	v = strings.ReplaceAll(v, "\n", " ")
	v = strings.ReplaceAll(v, "\r", " ")
	return v
}
