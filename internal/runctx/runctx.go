// Package runctx defines the read-only bundle of identifiers and paths shared
// by every stage of one build run.
package runctx

import (
	"time"

	"git.home.luguber.info/inful/buildrunner/internal/config"
)

// Defaults substituted when a piece of commit metadata cannot be read.
const (
	UnknownRevision = "unknown"
	UnknownBranch   = "unknown"
	UnknownAuthor   = "Unknown"
	NoCommitMessage = "No commit message"
)

// CommitInfo describes the head commit of the run.
type CommitInfo struct {
	SHA       string    `json:"sha"`
	ShortSHA  string    `json:"short_sha"`
	Author    string    `json:"author"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// UnknownCommit returns a CommitInfo with every field at its default.
func UnknownCommit() CommitInfo {
	return CommitInfo{
		SHA:      UnknownRevision,
		ShortSHA: UnknownRevision,
		Author:   UnknownAuthor,
		Message:  NoCommitMessage,
	}
}

// RuntimeContext is built once per run before any stage executes and is
// passed by pointer to every stage. Stages must not modify it.
type RuntimeContext struct {
	RunID        string
	WorkDir      string
	Config       *config.Config
	Revision     string
	Branch       string
	Timestamp    time.Time
	ArtifactsDir string
	LogDir       string
	LockPath     string
	Commit       CommitInfo
	Base         string
	Head         string
}
