package dto

type OutboundEmail struct {
	From      string
	FromName  string
	To        string
	Subject   string
	BodyHTML  string
	BodyText  string
	MessageID string
	Headers   map[string]string
}
