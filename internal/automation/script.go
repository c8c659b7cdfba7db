package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/Shopify/go-lua"
	"github.com/talkio/wablast/internal/domain"
	"go.uber.org/zap"
)

// runScript executes the tenant-authored script in a restricted interpreter.
// Only base/string/table/math are opened; every host capability is an
// explicitly registered function. The script sees the globals `message`,
// `chat_name` and `chat_jid`. A throwing or timed-out script is logged and
// still counted handled so the message is not reprocessed.
func (e *Engine) runScript(tenantID int64, auto *domain.Automation, chat *domain.Chat, text string) bool {
	if auto.Script == "" {
		return false
	}

	timeout := time.Duration(e.app.GetSettingsInt64Value("automation", "script_timeout_ms")) * time.Millisecond
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if err := recover(); err != nil {
				done <- fmt.Errorf("script panic: %v", err)
			}
		}()
		done <- e.execScript(tenantID, auto.Script, chat, text)
	}()

	select {
	case err := <-done:
		if err != nil {
			zap.L().Error("automation script error",
				zap.Int64("tenant_id", tenantID), zap.Error(err))
		}
	case <-time.After(timeout):
		// The interpreter goroutine is abandoned; go-lua has no preemption
		// hook, so the budget only bounds how long ingestion waits.
		zap.L().Error("automation script timeout",
			zap.Int64("tenant_id", tenantID), zap.Duration("budget", timeout))
	}
	return true
}

func (e *Engine) execScript(tenantID int64, script string, chat *domain.Chat, text string) error {
	state := lua.NewState()
	openSandboxLibraries(state)
	e.registerCapabilities(state, tenantID, chat)

	state.PushString(text)
	state.SetGlobal("message")
	state.PushString(chat.Name)
	state.SetGlobal("chat_name")
	state.PushString(chat.RemoteJid)
	state.SetGlobal("chat_jid")

	return lua.DoString(state, script)
}

// openSandboxLibraries opens only side-effect-free libraries. No os, io,
// package or debug: the capability table is the script's entire world.
func openSandboxLibraries(state *lua.State) {
	for _, lib := range []struct {
		name string
		open lua.Function
	}{
		{"_G", lua.BaseOpen},
		{"string", lua.StringOpen},
		{"table", lua.TableOpen},
		{"math", lua.MathOpen},
	} {
		lua.Require(state, lib.name, lib.open, true)
		state.Pop(1)
	}
}

func (e *Engine) registerCapabilities(state *lua.State, tenantID int64, chat *domain.Chat) {
	// send(text) replies into the current chat.
	state.Register("send", func(l *lua.State) int {
		text := lua.CheckString(l, 1)
		e.send(tenantID, chat.RemoteJid, text)
		return 0
	})

	// sendMessage(to, text) sends to an arbitrary phone or JID.
	state.Register("sendMessage", func(l *lua.State) int {
		to := lua.CheckString(l, 1)
		text := lua.CheckString(l, 2)
		t := e.transports.Transport(tenantID)
		if t == nil {
			l.PushBoolean(false)
			return 1
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, err := t.SendText(ctx, to, text)
		l.PushBoolean(err == nil)
		return 1
	})

	// tagContact(tag) tags the chat's contact, no-op without a contact link.
	state.Register("tagContact", func(l *lua.State) int {
		tag := lua.CheckString(l, 1)
		e.tagContact(tenantID, chat.ContactID, tag)
		return 0
	})

	// getContactTags() -> table of tag strings.
	state.Register("getContactTags", func(l *lua.State) int {
		l.NewTable()
		if chat.ContactID == 0 {
			return 1
		}
		var contact domain.Contact
		if err := e.app.DB().
			Where("id = ? and tenant_id = ?", chat.ContactID, tenantID).
			First(&contact).Error; err != nil {
			return 1
		}
		for i, tag := range contact.TagList() {
			l.PushString(tag)
			l.RawSetInt(-2, i+1)
		}
		return 1
	})

	// log(msg) writes to the host log under the tenant's id.
	state.Register("log", func(l *lua.State) int {
		msg := lua.CheckString(l, 1)
		zap.L().Info("script log", zap.Int64("tenant_id", tenantID), zap.String("msg", msg))
		return 0
	})
}
