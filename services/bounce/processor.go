package bounce

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"

	"github.com/customeros/mailblast/config"
	"github.com/customeros/mailblast/dto"
	mberrors "github.com/customeros/mailblast/errors"
	"github.com/customeros/mailblast/interfaces"
	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/logger"
	"github.com/customeros/mailblast/internal/metrics"
	"github.com/customeros/mailblast/internal/models"
	"github.com/customeros/mailblast/internal/repository"
	"github.com/customeros/mailblast/internal/tracing"
	"github.com/customeros/mailblast/internal/utils"
)

const mailboxLockPrefix = "bounce-mailbox:"

type bounceProcessor struct {
	log          logger.Logger
	repositories *repository.Repositories
	suppression  interfaces.SuppressionService
	tracking     interfaces.TrackingService
	locker       interfaces.Locker
	classifier   *Classifier
	dial         DialFunc
	config       *config.BounceConfig
}

// mailboxGroup is one bounce mailbox and the domains that resolve to it.
// domains is sorted, the first one names the mailbox.
type mailboxGroup struct {
	credential *models.BounceCredential
	domains    []string
}

func (g *mailboxGroup) primary() string {
	return g.domains[0]
}

func NewBounceProcessor(log logger.Logger, repos *repository.Repositories, suppression interfaces.SuppressionService, tracking interfaces.TrackingService, locker interfaces.Locker, cfg *config.BounceConfig) interfaces.BounceProcessor {
	return NewBounceProcessorWithDialer(log, repos, suppression, tracking, locker, cfg, DialMailbox)
}

func NewBounceProcessorWithDialer(log logger.Logger, repos *repository.Repositories, suppression interfaces.SuppressionService, tracking interfaces.TrackingService, locker interfaces.Locker, cfg *config.BounceConfig, dial DialFunc) interfaces.BounceProcessor {
	return &bounceProcessor{
		log:          log,
		repositories: repos,
		suppression:  suppression,
		tracking:     tracking,
		locker:       locker,
		classifier:   NewClassifier(cfg.TrackingHeader),
		dial:         dial,
		config:       cfg,
	}
}

// ListDomains returns every domain that either sends mail or has its own
// bounce mailbox.
func (p *bounceProcessor) ListDomains(ctx context.Context) ([]string, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "BounceProcessor.ListDomains")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)

	senderDomains, err := p.repositories.SenderRepository.ListActiveDomains(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	credentialDomains, err := p.repositories.BounceCredentialRepository.ListDomains(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	all := make([]string, 0, len(senderDomains)+len(credentialDomains))
	for _, domain := range append(senderDomains, credentialDomains...) {
		if domain = strings.ToLower(strings.TrimSpace(domain)); domain != "" {
			all = append(all, domain)
		}
	}
	domains := utils.UniqueStrings(all)
	sort.Strings(domains)

	span.LogKV("result.count", len(domains))
	return domains, nil
}

// ProcessAllDomains reads every bounce mailbox once, with bounded
// concurrency. Domains sharing a mailbox are reported under the first of
// them. A domain that fails only marks its own result.
func (p *bounceProcessor) ProcessAllDomains(ctx context.Context) (map[string]*dto.DomainBounceResult, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "BounceProcessor.ProcessAllDomains")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)

	domains, err := p.ListDomains(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	results := make(map[string]*dto.DomainBounceResult, len(domains))
	groups, failed := p.groupByMailbox(ctx, domains)
	for domain, err := range failed {
		p.log.Warnf("bounce processing failed for %s: %v", domain, err)
		results[domain] = &dto.DomainBounceResult{Domain: domain, Errors: []string{err.Error()}}
	}

	concurrency := p.config.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, concurrency)
	)

	for _, group := range groups {
		wg.Add(1)
		sem <- struct{}{}
		go func(group *mailboxGroup) {
			defer wg.Done()
			defer func() { <-sem }()

			result, err := p.processMailbox(ctx, group)
			if err != nil {
				p.log.Warnf("bounce processing failed for %s: %v", group.primary(), err)
				result.Errors = append(result.Errors, err.Error())
			}

			mu.Lock()
			defer mu.Unlock()
			result.SharedWith = group.domains[1:]
			results[group.primary()] = result
			for _, domain := range group.domains[1:] {
				results[domain] = &dto.DomainBounceResult{Domain: domain, ProcessedVia: group.primary()}
			}
		}(group)
	}
	wg.Wait()

	span.LogKV("result.domains", len(results), "result.mailboxes", len(groups))
	return results, nil
}

// ProcessDomainBounces reads the bounce mailbox serving domain once,
// classifies every new message and applies the outcome. When the mailbox is
// shared with other domains their bounces are applied too.
func (p *bounceProcessor) ProcessDomainBounces(ctx context.Context, domain string) (*dto.DomainBounceResult, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "BounceProcessor.ProcessDomainBounces")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagEntity(span, domain)

	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return nil, mberrors.ValidationError(mberrors.ErrInvalidInput, "domain is required")
	}

	credential, err := p.resolveCredential(ctx, domain)
	if err != nil {
		metrics.BounceDomainRuns.WithLabelValues("no_credential").Inc()
		tracing.TraceErr(span, err)
		return &dto.DomainBounceResult{Domain: domain}, err
	}

	group, err := p.groupFor(ctx, domain, credential)
	if err != nil {
		tracing.TraceErr(span, err)
		return &dto.DomainBounceResult{Domain: domain}, err
	}

	result, err := p.processMailbox(ctx, group)
	result.Domain = domain
	result.SharedWith = otherDomains(group.domains, domain)
	if err != nil {
		tracing.TraceErr(span, err)
		return result, err
	}
	return result, nil
}

// groupByMailbox resolves each domain's credential and groups domains by it.
// Domains whose credential cannot be resolved are returned with their error.
func (p *bounceProcessor) groupByMailbox(ctx context.Context, domains []string) ([]*mailboxGroup, map[string]error) {
	byCredential := map[string]*mailboxGroup{}
	var groups []*mailboxGroup
	failed := map[string]error{}

	for _, domain := range domains {
		credential, err := p.resolveCredential(ctx, domain)
		if err != nil {
			metrics.BounceDomainRuns.WithLabelValues("no_credential").Inc()
			failed[domain] = err
			continue
		}
		group, ok := byCredential[credential.ID]
		if !ok {
			group = &mailboxGroup{credential: credential}
			byCredential[credential.ID] = group
			groups = append(groups, group)
		}
		group.domains = append(group.domains, domain)
	}

	for _, group := range groups {
		sort.Strings(group.domains)
	}
	return groups, failed
}

// groupFor finds every domain served by the same mailbox as domain.
func (p *bounceProcessor) groupFor(ctx context.Context, domain string, credential *models.BounceCredential) (*mailboxGroup, error) {
	// a domain specific credential serves only its own domain
	if credential.Domain != "" {
		return &mailboxGroup{credential: credential, domains: []string{domain}}, nil
	}

	domains, err := p.ListDomains(ctx)
	if err != nil {
		return nil, err
	}
	group := &mailboxGroup{credential: credential, domains: []string{domain}}
	for _, other := range domains {
		if other == domain {
			continue
		}
		resolved, err := p.resolveCredential(ctx, other)
		if err != nil {
			continue
		}
		if resolved.ID == credential.ID {
			group.domains = append(group.domains, other)
		}
	}
	sort.Strings(group.domains)
	return group, nil
}

// processMailbox drains one mailbox under a lock keyed by its credential, so
// overlapping runs for domains sharing it never read the same messages.
func (p *bounceProcessor) processMailbox(ctx context.Context, group *mailboxGroup) (*dto.DomainBounceResult, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "BounceProcessor.processMailbox")
	defer span.Finish()
	tracing.TagEntity(span, group.credential.ID)
	span.LogKV("domains", strings.Join(group.domains, ","))

	label := group.primary()
	result := &dto.DomainBounceResult{Domain: label}

	if p.config.DomainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.DomainTimeout)
		defer cancel()
	}

	release, acquired, err := p.locker.Acquire(ctx, mailboxLockPrefix+group.credential.ID, p.lockTTL())
	if err != nil {
		err = mberrors.TransportError(err, fmt.Sprintf("failed to lock bounce mailbox for %s", label))
		tracing.TraceErr(span, err)
		return result, err
	}
	if !acquired {
		metrics.BounceDomainRuns.WithLabelValues("busy").Inc()
		p.log.Infof("bounce mailbox for %s is being processed by another run, skipping", label)
		result.Skipped = true
		return result, nil
	}
	defer release()

	mailbox, err := p.dial(ctx, group.credential, p.config.DialTimeout)
	if err != nil {
		metrics.BounceDomainRuns.WithLabelValues("dial_error").Inc()
		err = mberrors.TransportError(err, fmt.Sprintf("failed to open bounce mailbox for %s", label))
		tracing.TraceErr(span, err)
		return result, err
	}
	defer func() {
		if err := mailbox.Close(); err != nil {
			p.log.Warnf("failed to close bounce mailbox for %s: %v", label, err)
		}
	}()

	messages, err := mailbox.Fetch(ctx, p.config.MaxMessages)
	if err != nil && len(messages) == 0 {
		metrics.BounceDomainRuns.WithLabelValues("fetch_error").Inc()
		err = mberrors.TransportError(err, fmt.Sprintf("failed to read bounce mailbox for %s", label))
		tracing.TraceErr(span, err)
		return result, err
	}
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	processed := make([]string, 0, len(messages))
	for _, message := range messages {
		if err := p.handleMessage(ctx, group, message, result); err != nil {
			p.log.Warnf("bounce message %s in %s not applied: %v", message.ID, label, err)
			result.Errors = append(result.Errors, fmt.Sprintf("message %s: %v", message.ID, err))
			continue
		}
		processed = append(processed, message.ID)
	}

	if err := mailbox.MarkProcessed(ctx, processed); err != nil {
		tracing.TraceErr(span, err)
		result.Errors = append(result.Errors, fmt.Sprintf("mark processed: %v", err))
	}

	metrics.BounceDomainRuns.WithLabelValues("ok").Inc()
	span.LogKV("result.processed", result.Processed, "result.suppressed", result.Suppressed,
		"result.softBounces", result.SoftBounces, "result.complaints", result.Complaints)
	return result, nil
}

func (p *bounceProcessor) lockTTL() time.Duration {
	if p.config.DomainTimeout > 0 {
		return p.config.DomainTimeout + time.Minute
	}
	return 10 * time.Minute
}

func otherDomains(domains []string, domain string) []string {
	var others []string
	for _, d := range domains {
		if d != domain {
			others = append(others, d)
		}
	}
	return others
}

// handleMessage returns an error only when the message should be retried on
// the next run. Unparseable messages count as processed.
func (p *bounceProcessor) handleMessage(ctx context.Context, group *mailboxGroup, message Message, result *dto.DomainBounceResult) error {
	domain := group.primary()
	classification, err := p.classifier.Classify(message.Raw, group.domains...)
	if err != nil {
		result.Processed++
		result.Errors = append(result.Errors, fmt.Sprintf("message %s: %v", message.ID, err))
		metrics.BounceMessages.WithLabelValues("unparseable").Inc()
		return nil
	}

	metrics.BounceMessages.WithLabelValues(classification.Kind.String()).Inc()

	switch classification.Kind {
	case enum.BounceKindHard:
		if classification.Recipient != "" {
			if err := p.suppression.Add(ctx, classification.Recipient, enum.SuppressionReasonBounce, "mailbox:"+domain); err != nil {
				return err
			}
			result.Suppressed++
		}
	case enum.BounceKindComplaint:
		if classification.Recipient != "" {
			if err := p.suppression.Add(ctx, classification.Recipient, enum.SuppressionReasonComplaint, "fbl:"+domain); err != nil {
				return err
			}
			result.Suppressed++
		}
		result.Complaints++
	case enum.BounceKindSoft:
		p.log.Infof("soft bounce for %s in %s: %s", classification.Recipient, domain, classification.Reason)
		result.SoftBounces++
	}

	if classification.Kind != enum.BounceKindUnrelated && (classification.TrackingID != "" || classification.Recipient != "") {
		err := p.tracking.RecordBounce(ctx, classification.TrackingID, classification.Recipient, classification.Kind, classification.FeedbackLoop)
		if err != nil {
			return err
		}
	}

	result.Processed++
	return nil
}

func (p *bounceProcessor) resolveCredential(ctx context.Context, domain string) (*models.BounceCredential, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "BounceProcessor.resolveCredential")
	defer span.Finish()
	span.LogKV("domain", domain)

	credential, err := p.repositories.BounceCredentialRepository.GetActiveForDomain(ctx, domain)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	if credential != nil {
		span.LogKV("result.source", "domain")
		return credential, nil
	}

	userIDs, err := p.repositories.SenderRepository.GetUserIDsForDomain(ctx, domain)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	for _, userID := range userIDs {
		credential, err = p.repositories.BounceCredentialRepository.GetDefaultForUser(ctx, userID)
		if err != nil {
			tracing.TraceErr(span, err)
			return nil, err
		}
		if credential != nil {
			span.LogKV("result.source", "user", "result.userId", userID)
			return credential, nil
		}
	}

	return nil, mberrors.ConfigurationError(mberrors.ErrNoBounceCredential, domain)
}
