package main

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/and161185/chatsync/internal/model"
	"github.com/and161185/chatsync/internal/service"
)

func TestLogEvents_OmitsContent(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	obs := logEvents(zap.New(core))

	obs(service.Event{Type: service.EventMessage, Key: model.GroupKey("g"), Message: model.Message{Sender: "bob", Content: "top secret"}})
	obs(service.Event{Type: service.EventState, State: model.Reconnecting})
	obs(service.Event{Type: service.EventError})
	obs(service.Event{Type: service.EventError, Text: "Connection lost, reconnecting"})
	obs(service.Event{Type: service.EventGroups})

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("want 3 entries, got %d", len(entries))
	}
	for _, e := range entries {
		for _, v := range e.ContextMap() {
			if s, ok := v.(string); ok && s == "top secret" {
				t.Fatalf("content leaked into log entry %q", e.Message)
			}
		}
	}
	if entries[1].ContextMap()["state"] != "reconnecting" {
		t.Fatalf("state field: %v", entries[1].ContextMap())
	}
	if entries[2].Level != zapcore.WarnLevel {
		t.Fatalf("error level: %v", entries[2].Level)
	}
}

func TestGracefulStop_FallsBackToHardStop(t *testing.T) {
	hard := make(chan struct{})
	block := make(chan struct{})
	defer close(block)
	go gracefulStop(func() { <-block }, func() { close(hard) })
	<-hard
}
