// Package automation evaluates inbound text against a tenant's reply
// definition: a declarative rule set or a sandboxed script. Execution errors
// never propagate back into the ingestion pipeline.
package automation

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/talkio/wablast/internal/app"
	"github.com/talkio/wablast/internal/domain"
	"github.com/talkio/wablast/internal/protocol"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TransportProvider lends out the tenant's live send handle.
type TransportProvider interface {
	Transport(tenantID int64) protocol.Transport
}

type Engine struct {
	app        app.AppContext
	transports TransportProvider
}

func NewEngine(actx app.AppContext, transports TransportProvider) *Engine {
	return &Engine{app: actx, transports: transports}
}

// Handle evaluates one inbound text. Returns true when the message was
// consumed by the automation, including the case of a script that failed:
// a throwing script still counts as handled so the message is not reprocessed.
func (e *Engine) Handle(tenantID int64, chat *domain.Chat, text string) bool {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Errorf("automation panic: %v", err)
		}
	}()

	var auto domain.Automation
	err := e.app.DB().Where("tenant_id = ? and enabled = ?", tenantID, true).First(&auto).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if err != nil {
		zap.L().Error("load automation failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
		return false
	}

	if auto.Mode == domain.AutomationModeScript {
		return e.runScript(tenantID, &auto, chat, text)
	}
	return e.runRules(tenantID, &auto, chat, text)
}

func (e *Engine) runRules(tenantID int64, auto *domain.Automation, chat *domain.Chat, text string) bool {
	var rules []domain.AutomationRule
	if err := e.app.DB().
		Where("automation_id = ? and enabled = ?", auto.ID, true).
		Order("priority desc, id asc").
		Find(&rules).Error; err != nil {
		zap.L().Error("load rules failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
		return false
	}

	for i := range rules {
		rule := &rules[i]
		if !ruleMatches(rule, chat, text) {
			continue
		}
		reply := e.substitute(tenantID, rule.Reply, chat)
		if reply != "" {
			e.send(tenantID, chat.RemoteJid, reply)
		}
		if rule.TagContact != "" {
			e.tagContact(tenantID, chat.ContactID, rule.TagContact)
		}
		return true
	}
	return false
}

// ruleMatches implements first-match-wins semantics. All match types are
// case-insensitive except regex, which is applied verbatim.
func ruleMatches(rule *domain.AutomationRule, chat *domain.Chat, text string) bool {
	lowText := strings.ToLower(strings.TrimSpace(text))
	lowPattern := strings.ToLower(strings.TrimSpace(rule.Pattern))
	switch rule.MatchType {
	case domain.MatchExact:
		return lowText == lowPattern
	case domain.MatchContains:
		return strings.Contains(lowText, lowPattern)
	case domain.MatchStartsWith:
		return strings.HasPrefix(lowText, lowPattern)
	case domain.MatchRegex:
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			zap.L().Warn("invalid rule regex", zap.Int64("rule_id", rule.ID), zap.Error(err))
			return false
		}
		return re.MatchString(text)
	case domain.MatchGreeting:
		// Fires exactly once per chat, on its first inbound message.
		return chat.InboundCount == 1
	}
	return false
}

// substitute replaces {name}, {phone} and tenant variable {key} tokens.
func (e *Engine) substitute(tenantID int64, reply string, chat *domain.Chat) string {
	if !strings.Contains(reply, "{") {
		return reply
	}
	reply = strings.ReplaceAll(reply, "{name}", chat.Name)
	reply = strings.ReplaceAll(reply, "{phone}", jidUser(chat.RemoteJid))

	var vars []domain.TenantVariable
	if err := e.app.DB().Where("tenant_id = ?", tenantID).Find(&vars).Error; err != nil {
		zap.L().Warn("load tenant variables failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
		return reply
	}
	for _, v := range vars {
		reply = strings.ReplaceAll(reply, "{"+v.Key+"}", v.Value)
	}
	return reply
}

func (e *Engine) send(tenantID int64, toJID, text string) {
	t := e.transports.Transport(tenantID)
	if t == nil {
		zap.L().Warn("automation reply skipped, no transport", zap.Int64("tenant_id", tenantID))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := t.SendText(ctx, toJID, text); err != nil {
		zap.L().Error("automation reply failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
	}
}

func (e *Engine) tagContact(tenantID, contactID int64, tag string) {
	if contactID == 0 {
		return
	}
	var contact domain.Contact
	if err := e.app.DB().Where("id = ? and tenant_id = ?", contactID, tenantID).First(&contact).Error; err != nil {
		return
	}
	if contact.HasTag(tag) {
		return
	}
	tags := contact.AddTag(tag)
	if err := e.app.DB().Model(&domain.Contact{}).
		Where("id = ?", contactID).
		Updates(map[string]interface{}{"tags": tags, "updated_at": time.Now()}).Error; err != nil {
		zap.L().Warn("tag contact failed", zap.Int64("contact_id", contactID), zap.Error(err))
	}
}

func jidUser(jid string) string {
	if i := strings.IndexByte(jid, '@'); i > 0 {
		return jid[:i]
	}
	return jid
}
