package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/tutor-chat/backend/internal/client"
	"github.com/zhouzirui/tutor-chat/backend/internal/conversation"
	"github.com/zhouzirui/tutor-chat/backend/internal/model/chat"
	"github.com/zhouzirui/tutor-chat/backend/internal/model/referral"
	"github.com/zhouzirui/tutor-chat/backend/internal/session"
)

const maxAttachment = 10 << 20

type repl struct {
	ctx    context.Context
	ctrl   *conversation.Controller
	api    *client.Client
	in     *bufio.Scanner
	out    io.Writer
	logger *zap.Logger

	attachment *chat.Attachment
	threads    []session.Thread
	actions    []referral.Action
}

func (r *repl) loop() error {
	r.showThread()

	for {
		r.prompt()
		if !r.in.Scan() {
			return r.in.Err()
		}
		line := strings.TrimSpace(r.in.Text())
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "/") {
			r.send(line)
			continue
		}

		cmd, arg, _ := strings.Cut(line[1:], " ")
		arg = strings.TrimSpace(arg)
		switch cmd {
		case "quit", "exit":
			return nil
		case "new":
			r.newThread()
		case "threads":
			r.listThreads()
		case "switch":
			r.switchThread(arg)
		case "tutor":
			r.switchTutor(arg)
		case "go":
			r.followReferral(arg)
		case "attach":
			r.attach(arg)
		case "speak":
			r.speak()
		default:
			fmt.Fprintf(r.out, "Unknown command /%s\n", cmd)
		}

		if r.ctx.Err() != nil {
			return nil
		}
	}
}

func (r *repl) prompt() {
	store := r.ctrl.Current()
	if r.attachment != nil {
		fmt.Fprintf(r.out, "[%s] %s> ", r.attachment.Name, store.UserName())
		return
	}
	fmt.Fprintf(r.out, "%s> ", store.UserName())
}

func (r *repl) tutorName() string {
	return r.ctrl.Current().Persona().DisplayName
}

// showThread 打印当前线程并记录可跟随的转介
func (r *repl) showThread() {
	store := r.ctrl.Current()
	fmt.Fprintf(r.out, "\n== %s %s ==\n", store.Persona().Icon, store.Persona().DisplayName)

	messages := r.ctrl.Render()
	for _, msg := range messages {
		r.printMessage(msg)
	}
	r.collectActions(messages)
}

func (r *repl) printMessage(msg conversation.Message) {
	speaker := r.tutorName()
	if msg.Speaker == chat.SpeakerUser {
		speaker = r.ctrl.Current().UserName()
	}
	if msg.AttachmentName != "" {
		fmt.Fprintf(r.out, "%s: %s [%s]\n", speaker, msg.Text, msg.AttachmentName)
		return
	}
	fmt.Fprintf(r.out, "%s: %s\n", speaker, msg.Text)
}

// collectActions 只保留最后一条回复里的转介，编号从 1 开始
func (r *repl) collectActions(messages []conversation.Message) {
	r.actions = nil
	if len(messages) == 0 {
		return
	}
	last := messages[len(messages)-1]
	if last.Speaker != chat.SpeakerAssistant {
		return
	}
	for _, action := range last.Actions {
		target, ok := r.ctrl.Persona(action.PersonaID)
		if !ok {
			continue
		}
		r.actions = append(r.actions, action)
		fmt.Fprintf(r.out, "  → /go %d  ask %s %s\n", len(r.actions), target.Icon, target.DisplayName)
	}
}

func (r *repl) send(text string) {
	attachment := r.attachment
	r.attachment = nil
	r.stream(func(onChunk func(string)) error {
		return r.ctrl.Send(r.ctx, text, attachment, onChunk)
	})
}

// stream 边收边打印回复，结束后用清理过的文本重新渲染最后一条消息
func (r *repl) stream(call func(onChunk func(string)) error) {
	fmt.Fprintf(r.out, "%s: ", r.tutorName())
	err := call(func(chunk string) {
		fmt.Fprint(r.out, chunk)
	})
	fmt.Fprintln(r.out)

	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Debug("reply ended with error", zap.Error(err))
		if errors.Is(err, client.ErrTruncated) {
			fmt.Fprintf(r.out, "%s: %s\n", r.tutorName(), conversation.MsgReplyTruncated)
		} else if msgs := r.ctrl.Render(); len(msgs) > 0 {
			r.printMessage(msgs[len(msgs)-1])
		}
	}

	messages := r.ctrl.Render()
	r.collectActions(messages)
}

func (r *repl) newThread() {
	if _, err := r.ctrl.NewThread(r.ctx); err != nil {
		fmt.Fprintf(r.out, "Could not start a new thread: %v\n", err)
		return
	}
	r.showThread()
}

func (r *repl) listThreads() {
	store := r.ctrl.Current()
	r.threads = store.ListThreads()
	active := store.ActiveThreadID()
	for i, thread := range r.threads {
		marker := " "
		if thread.ID == active {
			marker = "*"
		}
		title, _ := thread.LastUserText()
		if title == "" {
			title = "(no questions yet)"
		}
		fmt.Fprintf(r.out, "%s [%d] %s  %s\n", marker, i+1, thread.CreatedAt.Local().Format("Jan 2 15:04"), truncate(title, 48))
	}
}

func (r *repl) switchThread(arg string) {
	if len(r.threads) == 0 {
		r.threads = r.ctrl.Current().ListThreads()
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(r.threads) {
		fmt.Fprintln(r.out, "Use /threads, then /switch <n>.")
		return
	}
	if err := r.ctrl.SwitchThread(r.ctx, r.threads[n-1].ID); err != nil {
		fmt.Fprintf(r.out, "Could not open that thread: %v\n", err)
		return
	}
	r.showThread()
}

func (r *repl) switchTutor(id string) {
	if _, err := r.ctrl.Select(r.ctx, id); err != nil {
		fmt.Fprintln(r.out, "Available tutors:")
		for _, p := range r.ctrl.Characters() {
			fmt.Fprintf(r.out, "  %s  %s %s (%s)\n", p.ID, p.Icon, p.DisplayName, p.SubjectLabel)
		}
		return
	}
	r.threads = nil
	r.showThread()
}

func (r *repl) followReferral(arg string) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(r.actions) {
		fmt.Fprintln(r.out, "There is no such suggestion.")
		return
	}

	if _, err := r.ctrl.ActivateSwitch(r.ctx, r.actions[n-1]); err != nil {
		fmt.Fprintf(r.out, "Could not switch: %v\n", err)
		return
	}
	r.threads = nil
	r.showThread()

	if _, ok := r.ctrl.Pending(); !ok {
		return
	}
	r.stream(func(onChunk func(string)) error {
		delivered, err := r.ctrl.DeliverPendingHandoff(r.ctx, onChunk)
		if err == nil && !delivered {
			fmt.Fprint(r.out, "(busy, ask again in a moment)")
		}
		return err
	})
}

func (r *repl) attach(path string) {
	if path == "" {
		r.attachment = nil
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(r.out, "Could not read %s: %v\n", path, err)
		return
	}
	if len(data) > maxAttachment {
		fmt.Fprintf(r.out, "%s is too large.\n", path)
		return
	}

	mimeType := http.DetectContentType(data)
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		mimeType = "application/pdf"
	}
	r.attachment = &chat.Attachment{Name: filepath.Base(path), MIMEType: mimeType, Data: data}
}

func (r *repl) speak() {
	messages := r.ctrl.Render()
	var text string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Speaker == chat.SpeakerAssistant {
			text = messages[i].Text
			break
		}
	}
	if text == "" {
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, 2*time.Minute)
	defer cancel()

	store := r.ctrl.Current()
	audio, err := r.api.Speak(ctx, store.Persona().ID, text)
	if err != nil {
		fmt.Fprintf(r.out, "Could not speak: %v\n", err)
		return
	}
	defer audio.Close()

	name := fmt.Sprintf("%s-%d.mp3", store.Persona().ID, time.Now().Unix())
	file, err := os.Create(name)
	if err != nil {
		fmt.Fprintf(r.out, "Could not save audio: %v\n", err)
		return
	}
	defer file.Close()

	written, err := io.Copy(file, audio)
	if err != nil {
		fmt.Fprintf(r.out, "Audio was cut off after %d bytes: %v\n", written, err)
		return
	}
	fmt.Fprintf(r.out, "Saved %s (%d bytes)\n", name, written)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
