package vcs

import "errors"

var (
	ErrBranch = errors.New("vcs: branch operation failed")
	ErrPush   = errors.New("vcs: push failed")
	ErrPR     = errors.New("vcs: pull request operation failed")
	ErrMerge  = errors.New("vcs: merge failed")
)
