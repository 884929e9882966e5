package repository

import "errors"

var (
	ErrCampaignNotFound        = errors.New("campaign not found")
	ErrRecipientNotFound       = errors.New("campaign recipient not found")
	ErrTemplateNotFound        = errors.New("email template not found")
	ErrSenderNotFound          = errors.New("sender not found")
	ErrTrackingRecordNotFound  = errors.New("tracking record not found")
	ErrClickNotFound           = errors.New("tracked link not found")
	ErrTrainingConfigNotFound  = errors.New("training config not found")
	ErrDomainCredentialDefault = errors.New("domain specific bounce credentials cannot be default")
	ErrInvalidInput            = errors.New("invalid input parameters")
)
