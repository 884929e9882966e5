package enum

type BounceKind string

const (
	BounceKindHard      BounceKind = "hard"
	BounceKindSoft      BounceKind = "soft"
	BounceKindComplaint BounceKind = "complaint"
	BounceKindUnrelated BounceKind = "unrelated"
)

func (k BounceKind) String() string {
	return string(k)
}

type MailboxProtocol string

const (
	MailboxProtocolIMAP MailboxProtocol = "imap"
	MailboxProtocolPOP3 MailboxProtocol = "pop3"
)

func (p MailboxProtocol) String() string {
	return string(p)
}

type EmailSecurity string

const (
	EmailSecurityNone EmailSecurity = "none"
	EmailSecuritySSL  EmailSecurity = "ssl"
	EmailSecurityTLS  EmailSecurity = "tls"
)

func (s EmailSecurity) String() string {
	return string(s)
}
