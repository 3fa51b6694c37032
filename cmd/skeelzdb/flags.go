package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

type GlobalFlags struct {
	ConfigPath string
}

// RunFlags are shared by every command that executes inside a run record.
type RunFlags struct {
	// ID defaults to a fresh uuid.
	ID string
}

type RecordStartFlags struct {
	Name string
	ID   string
}

type RecordLogFlags struct {
	Name    string
	ID      string
	Message string
}

type RecordFinishFlags struct {
	Name   string
	ID     string
	Status string
}

type RecordLastFlags struct {
	Name    string
	Success bool
}

type RecordStalledFlags struct {
	OlderThan time.Duration
}

type RecordClearLogsFlags struct {
	OlderThan time.Duration
}

type RecordDropFlags struct {
	Force bool
}

type LoadFlags struct {
	RunFlags
	Table string
}

type SalesforceSyncFlags struct {
	RunFlags
	Categories []string
	DryRun     bool
	OnlyIDs    []string
	Limit      int
}

type MailingListFlags struct {
	RunFlags
	Provider   string
	OnlyEmails string
	Limit      int
}

type OffersSendFlags struct {
	RunFlags
	Type   string
	DryRun bool
}

type ServeFlags struct {
	Listen   string
	BasePath string
}
