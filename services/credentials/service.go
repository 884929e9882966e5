package credentials

import (
	"context"
	"strings"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/customeros/mailblast/dto"
	mberrors "github.com/customeros/mailblast/errors"
	"github.com/customeros/mailblast/interfaces"
	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/models"
	"github.com/customeros/mailblast/internal/repository"
	"github.com/customeros/mailblast/internal/tracing"
	"github.com/customeros/mailblast/internal/utils"
)

const defaultFolder = "INBOX"

type credentialService struct {
	repositories *repository.Repositories
}

func NewBounceCredentialService(repos *repository.Repositories) interfaces.BounceCredentialService {
	return &credentialService{
		repositories: repos,
	}
}

// Create stores a bounce mailbox credential. Domain-specific credentials can
// never be a user's default.
func (s *credentialService) Create(ctx context.Context, request dto.BounceCredentialRequest) (*models.BounceCredential, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "BounceCredentialService.Create")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.LogKV("request.userId", request.UserId, "request.domain", request.Domain)

	credential := &models.BounceCredential{
		Tenant:     request.Tenant,
		UserID:     request.UserId,
		Domain:     strings.ToLower(strings.TrimSpace(request.Domain)),
		Protocol:   enum.MailboxProtocol(strings.ToLower(request.Protocol)),
		Host:       strings.TrimSpace(request.Host),
		Port:       request.Port,
		Encryption: enum.EmailSecurity(strings.ToLower(request.Encryption)),
		Username:   request.Username,
		Password:   request.Password,
		Folder:     strings.TrimSpace(request.Folder),
		IsDefault:  request.IsDefault,
		IsActive:   true,
	}
	if credential.Folder == "" {
		credential.Folder = defaultFolder
	}
	if credential.Encryption == "" {
		credential.Encryption = enum.EmailSecuritySSL
	}
	if credential.Port == 0 {
		credential.Port = DefaultPort(credential.Protocol, credential.Encryption)
	}

	if err := utils.ValidateStruct(credential); err != nil {
		tracing.TraceErr(span, err)
		return nil, mberrors.ValidationError(mberrors.ErrInvalidInput, err.Error())
	}
	if credential.Domain != "" && credential.IsDefault {
		err := repository.ErrDomainCredentialDefault
		tracing.TraceErr(span, err)
		return nil, mberrors.ValidationError(err, "domain credential")
	}

	err := s.repositories.BounceCredentialRepository.Create(ctx, credential)
	if err != nil {
		tracing.TraceErr(span, err)
		if errors.Is(err, repository.ErrDomainCredentialDefault) {
			return nil, mberrors.ValidationError(err, "domain credential")
		}
		return nil, err
	}

	span.LogKV("result.id", credential.ID)
	return credential, nil
}

// DefaultPort is the well-known port for a mailbox protocol and encryption.
func DefaultPort(protocol enum.MailboxProtocol, encryption enum.EmailSecurity) int {
	switch protocol {
	case enum.MailboxProtocolPOP3:
		if encryption == enum.EmailSecurityNone {
			return 110
		}
		return 995
	default:
		if encryption == enum.EmailSecuritySSL {
			return 993
		}
		return 143
	}
}
