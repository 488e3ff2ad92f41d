// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package email delivers the finished itinerary as a single best-effort
// message with the document attached.
package email

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net/smtp"
	"strings"
	"time"

	"github.com/itinera-ai/itinera/pkg/logging"
)

// Message is one outbound mail with a single attachment.
type Message struct {
	To             string
	Subject        string
	Body           string
	AttachmentName string
	Attachment     []byte
}

// Sender delivers a message. Implementations make exactly one attempt;
// delivery failure is reported, never retried.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// Config carries SMTP connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender implements Sender over plain SMTP with AUTH when
// credentials are configured.
type SMTPSender struct {
	cfg    Config
	logger *logging.Logger
}

// NewSMTPSender creates an SMTPSender. logger may be nil.
func NewSMTPSender(cfg Config, logger *logging.Logger) *SMTPSender {
	if logger == nil {
		logger = logging.Nop()
	}
	return &SMTPSender{cfg: cfg, logger: logger.With("component", "email")}
}

// Send makes a single delivery attempt. The context deadline is not
// enforced mid-transfer; it gates only the start of the attempt.
func (s *SMTPSender) Send(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	payload := BuildMIME(s.cfg.From, msg)

	start := time.Now()
	err := smtp.SendMail(addr, auth, s.cfg.From, []string{msg.To}, payload)
	if err != nil {
		return fmt.Errorf("send mail to %s: %w", msg.To, err)
	}
	s.logger.Info("itinerary mailed", "to", msg.To, "bytes", len(payload), "took", time.Since(start))
	return nil
}

// BuildMIME assembles a multipart/mixed message: a plain-text body part
// and one base64 attachment.
func BuildMIME(from string, msg *Message) []byte {
	const boundary = "itinera-mime-boundary"

	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\r\n", from)
	fmt.Fprintf(&sb, "To: %s\r\n", msg.To)
	fmt.Fprintf(&sb, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	sb.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&sb, "Content-Type: multipart/mixed; boundary=%q\r\n", boundary)
	sb.WriteString("\r\n")

	fmt.Fprintf(&sb, "--%s\r\n", boundary)
	sb.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(msg.Body)
	sb.WriteString("\r\n")

	if len(msg.Attachment) > 0 {
		fmt.Fprintf(&sb, "--%s\r\n", boundary)
		fmt.Fprintf(&sb, "Content-Type: text/markdown; charset=utf-8; name=%q\r\n", msg.AttachmentName)
		fmt.Fprintf(&sb, "Content-Disposition: attachment; filename=%q\r\n", msg.AttachmentName)
		sb.WriteString("Content-Transfer-Encoding: base64\r\n")
		sb.WriteString("\r\n")
		sb.WriteString(wrapBase64(base64.StdEncoding.EncodeToString(msg.Attachment)))
		sb.WriteString("\r\n")
	}

	fmt.Fprintf(&sb, "--%s--\r\n", boundary)
	return []byte(sb.String())
}

// wrapBase64 folds encoded content at 76 columns per RFC 2045.
func wrapBase64(encoded string) string {
	const lineLen = 76
	var sb strings.Builder
	for len(encoded) > lineLen {
		sb.WriteString(encoded[:lineLen])
		sb.WriteString("\r\n")
		encoded = encoded[lineLen:]
	}
	sb.WriteString(encoded)
	return sb.String()
}
