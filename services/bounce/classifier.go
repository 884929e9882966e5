package bounce

import (
	"bufio"
	"bytes"
	"mime"
	"regexp"
	"strings"

	"github.com/jhillyerd/enmime"
	"github.com/pkg/errors"

	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/utils"
)

var (
	softCodeRegex     = regexp.MustCompile(`(?m)(?:^|[\s;:])(421|450|451|452|552)[\s-]`)
	hardCodeRegex     = regexp.MustCompile(`(?m)(?:^|[\s;:])(5[0-5]\d)[\s-]`)
	enhancedCodeRegex = regexp.MustCompile(`\b([245])\.(\d{1,3})\.(\d{1,3})\b`)
	embeddedToRegex   = regexp.MustCompile(`(?im)^To:[ \t]*(.+)$`)
)

var bounceSubjects = []string{
	"mail delivery failure",
	"mail delivery failed",
	"undelivered mail returned to sender",
	"delivery status notification",
	"undeliverable",
	"undelivered",
	"delivery failure",
	"failure notice",
	"returned mail",
	"returned to sender",
}

var complaintSubjects = []string{
	"abuse report",
	"spam complaint",
	"complaint about message",
}

var permanentPhrases = []string{
	"user unknown",
	"unknown user",
	"no such user",
	"no such recipient",
	"mailbox unavailable",
	"mailbox not found",
	"does not exist",
	"address rejected",
	"invalid recipient",
	"recipient rejected",
	"account has been disabled",
	"account disabled",
}

// Classification is the outcome of parsing one feedback message.
type Classification struct {
	Kind         enum.BounceKind
	Recipient    string
	TrackingID   string
	FeedbackLoop bool
	Status       string
	Reason       string
}

// Classifier recognizes delivery status notifications and feedback loop
// reports in raw RFC 5322 messages.
type Classifier struct {
	trackingHeader *regexp.Regexp
}

func NewClassifier(trackingHeader string) *Classifier {
	if trackingHeader == "" {
		trackingHeader = "X-Mailblast-Tracking-Id"
	}
	return &Classifier{
		trackingHeader: regexp.MustCompile(`(?im)^` + regexp.QuoteMeta(trackingHeader) + `:[ \t]*([A-Za-z0-9_-]+)`),
	}
}

// Classify parses raw and decides what kind of feedback it carries.
// Addresses in mailboxDomains are skipped when falling back to addresses
// found in the body.
func (c *Classifier) Classify(raw []byte, mailboxDomains ...string) (*Classification, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse message")
	}

	msg := newParsedMessage(env)
	result := &Classification{Kind: enum.BounceKindUnrelated}

	switch {
	case msg.feedbackReport != nil:
		result.Kind = enum.BounceKindComplaint
		result.FeedbackLoop = true
		result.Reason = "feedback report: " + msg.feedbackReport["feedback-type"]
	case msg.deliveryStatus != nil:
		result.Kind, result.Status = kindFromDeliveryStatus(msg.deliveryStatus)
		result.Reason = "delivery status: " + msg.deliveryStatus["action"]
	default:
		isBounce, reason := isBounceNotification(env)
		if isBounce {
			result.Kind, result.Status = kindFromText(msg.text)
			result.Reason = reason
		} else if isComplaintSubject(env.GetHeader("Subject")) {
			result.Kind = enum.BounceKindComplaint
			result.Reason = "complaint subject"
		} else if isAutoresponder(env) {
			result.Reason = "autoresponder"
		}
	}

	if result.Kind == enum.BounceKindUnrelated {
		return result, nil
	}

	result.Recipient = msg.recipient(env, mailboxDomains)
	result.TrackingID = c.trackingID(msg, raw)
	return result, nil
}

func (c *Classifier) trackingID(msg *parsedMessage, raw []byte) string {
	for _, embedded := range msg.embedded {
		if match := c.trackingHeader.FindStringSubmatch(embedded); len(match) == 2 {
			return match[1]
		}
	}
	if match := c.trackingHeader.FindSubmatch(raw); len(match) == 2 {
		return string(match[1])
	}
	return ""
}

type parsedMessage struct {
	deliveryStatus map[string]string
	feedbackReport map[string]string
	// embedded holds the returned original message or its headers
	embedded []string
	text     string
}

func newParsedMessage(env *enmime.Envelope) *parsedMessage {
	msg := &parsedMessage{}
	var text strings.Builder
	text.WriteString(env.Text)

	if rootType := env.GetHeader("Content-Type"); rootType != "" {
		mediaType, params, err := mime.ParseMediaType(rootType)
		if err == nil && mediaType == "multipart/report" && strings.EqualFold(params["report-type"], "feedback-report") {
			msg.feedbackReport = map[string]string{}
		}
	}

	if env.Root != nil {
		parts := env.Root.DepthMatchAll(func(p *enmime.Part) bool { return true })
		for _, part := range parts {
			switch strings.ToLower(part.ContentType) {
			case "message/delivery-status":
				msg.deliveryStatus = parseStatusFields(part.Content)
				text.WriteString("\n")
				text.Write(part.Content)
			case "message/feedback-report":
				msg.feedbackReport = parseStatusFields(part.Content)
			case "message/rfc822", "text/rfc822-headers", "message/rfc822-headers":
				msg.embedded = append(msg.embedded, string(part.Content))
			}
		}
	}

	msg.text = text.String()
	return msg
}

// recipient resolves the bounced address, most specific source first.
func (m *parsedMessage) recipient(env *enmime.Envelope, mailboxDomains []string) string {
	if failed := env.GetHeader("X-Failed-Recipients"); failed != "" {
		if email := firstAddress(failed); email != "" {
			return email
		}
	}
	for _, key := range []string{"final-recipient", "original-recipient"} {
		if value := m.deliveryStatus[key]; value != "" {
			if email := firstAddress(value); email != "" {
				return email
			}
		}
	}
	for _, key := range []string{"original-rcpt-to", "removal-recipient"} {
		if value := m.feedbackReport[key]; value != "" {
			if email := firstAddress(value); email != "" {
				return email
			}
		}
	}
	for _, embedded := range m.embedded {
		if match := embeddedToRegex.FindStringSubmatch(embedded); len(match) == 2 {
			if email := firstAddress(match[1]); email != "" {
				return email
			}
		}
	}

	own := make(map[string]bool, len(mailboxDomains))
	for _, domain := range mailboxDomains {
		own[strings.ToLower(domain)] = true
	}
	from := utils.NormalizeEmail(env.GetHeader("From"))
	for _, email := range utils.FindEmailsInText(m.text) {
		if email == from || isSystemAddress(email) || own[utils.ExtractDomainFromEmail(email)] {
			continue
		}
		return email
	}
	return ""
}

// parseStatusFields reads the "Name: value" groups of a delivery-status or
// feedback-report body. The first occurrence of a field wins, so per-recipient
// fields come from the first recipient block.
func parseStatusFields(content []byte) map[string]string {
	fields := map[string]string{}
	scanner := bufio.NewScanner(bytes.NewReader(content))
	var lastKey string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			lastKey = ""
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && lastKey != "" {
			fields[lastKey] += " " + strings.TrimSpace(line)
			continue
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(name))
		if _, exists := fields[key]; exists {
			lastKey = ""
			continue
		}
		fields[key] = strings.TrimSpace(value)
		lastKey = key
	}
	return fields
}

func kindFromDeliveryStatus(fields map[string]string) (enum.BounceKind, string) {
	status := fields["status"]
	action := strings.ToLower(fields["action"])

	switch {
	case action == "delayed":
		return enum.BounceKindSoft, status
	case strings.HasPrefix(status, "5."):
		if status == "5.2.2" {
			// mailbox full
			return enum.BounceKindSoft, status
		}
		return enum.BounceKindHard, status
	case strings.HasPrefix(status, "4."):
		return enum.BounceKindSoft, status
	}

	kind, code := kindFromText(fields["diagnostic-code"])
	if code == "" {
		code = status
	}
	return kind, code
}

// kindFromText looks for SMTP reply codes and permanent failure phrases.
// Anything it cannot place is soft.
func kindFromText(text string) (enum.BounceKind, string) {
	if match := enhancedCodeRegex.FindStringSubmatch(text); len(match) == 4 {
		code := match[0]
		switch {
		case match[1] == "4", code == "5.2.2":
			return enum.BounceKindSoft, code
		case match[1] == "5":
			return enum.BounceKindHard, code
		}
	}
	if match := softCodeRegex.FindStringSubmatch(text); len(match) == 2 {
		return enum.BounceKindSoft, match[1]
	}
	if match := hardCodeRegex.FindStringSubmatch(text); len(match) == 2 {
		return enum.BounceKindHard, match[1]
	}

	lower := strings.ToLower(text)
	for _, phrase := range permanentPhrases {
		if strings.Contains(lower, phrase) {
			return enum.BounceKindHard, ""
		}
	}
	return enum.BounceKindSoft, ""
}

func isBounceNotification(env *enmime.Envelope) (bool, string) {
	switch {
	case env.GetHeader("X-Failed-Recipients") != "":
		return true, "X-FAILED-RECIPIENTS header present"
	case strings.EqualFold(env.GetHeader("Content-Description"), "delivery report"):
		return true, "CONTENT-DESCRIPTION: DELIVERY REPORT header present"
	case hasBounceKeywords(env.GetHeader("Return-Path")):
		return true, "RETURN-PATH contains bounce keywords"
	case hasBounceKeywords(env.GetHeader("From")):
		return true, "FROM contains bounce keywords"
	case isBounceSubject(env.GetHeader("Subject")):
		return true, "SUBJECT contains bounce keywords"
	default:
		return false, ""
	}
}

func isAutoresponder(env *enmime.Envelope) bool {
	return env.GetHeader("X-Autoreply") != "" ||
		env.GetHeader("X-Autoresponse") != "" ||
		strings.EqualFold(env.GetHeader("Auto-Submitted"), "auto-replied") ||
		strings.EqualFold(env.GetHeader("Precedence"), "auto_reply")
}

func hasBounceKeywords(str string) bool {
	lower := strings.ToLower(str)
	return strings.Contains(lower, "mailer-daemon") || strings.Contains(lower, "postmaster@")
}

func isBounceSubject(subject string) bool {
	return containsAny(strings.ToLower(subject), bounceSubjects)
}

func isComplaintSubject(subject string) bool {
	return containsAny(strings.ToLower(subject), complaintSubjects)
}

func containsAny(s string, phrases []string) bool {
	for _, phrase := range phrases {
		if strings.Contains(s, phrase) {
			return true
		}
	}
	return false
}

func isSystemAddress(email string) bool {
	local, _, _ := strings.Cut(email, "@")
	return local == "mailer-daemon" || local == "postmaster" || strings.HasPrefix(local, "bounce")
}

// firstAddress handles both plain lists and the "rfc822; user@host" form.
func firstAddress(value string) string {
	if _, after, found := strings.Cut(value, ";"); found {
		value = after
	}
	emails := utils.FindEmailsInText(value)
	if len(emails) == 0 {
		return ""
	}
	return emails[0]
}
