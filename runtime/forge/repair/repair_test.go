package repair

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/protofab/protofab/runtime/forge/session"
	"github.com/protofab/protofab/runtime/forge/session/inmem"
	"github.com/protofab/protofab/runtime/forge/validate"
)

// scriptedValidator replays outcomes in order, repeating the last one.
type scriptedValidator struct {
	outcomes []validate.Outcome
	calls    int
}

func (v *scriptedValidator) Run(_ context.Context, _ string, _ validate.Options) (validate.Outcome, error) {
	i := v.calls
	v.calls++
	if i >= len(v.outcomes) {
		i = len(v.outcomes) - 1
	}
	if i < 0 {
		return validate.Outcome{}, nil
	}
	return v.outcomes[i], nil
}

// recordingRepairer captures requests and optionally mutates the session.
type recordingRepairer struct {
	requests []Request
	onRepair func(ctx context.Context, req Request) error
}

func (r *recordingRepairer) Repair(ctx context.Context, req Request) error {
	r.requests = append(r.requests, req)
	if r.onRepair != nil {
		return r.onRepair(ctx, req)
	}
	return nil
}

type staticGuide struct {
	block  string
	called int
}

func (g *staticGuide) Guidance(_ context.Context, _ []validate.ParsedError) (string, bool) {
	g.called++
	return g.block, g.block != ""
}

func typeErrors(n int) []validate.ParsedError {
	errs := make([]validate.ParsedError, n)
	for i := range errs {
		errs[i] = validate.ParsedError{
			Category: validate.CategoryTypeError,
			Message:  "Cannot find name 'missingSymbol'.",
			File:     "src/App.tsx",
			Line:     10 + i,
			Code:     "TS2304",
		}
	}
	return errs
}

func seedCleanProject(t *testing.T) session.FileStore {
	t.Helper()
	files := inmem.NewFileStore()
	_, err := files.SaveFiles(context.Background(), "s1", []session.FileInput{
		{Path: "package.json", Content: `{"scripts":{"build":"vite build"},"dependencies":{"react":"*"}}`},
		{Path: "src/main.tsx", Content: "import React from 'react'\n"},
	})
	require.NoError(t, err)
	return files
}

func newLoop(t *testing.T, files session.FileStore, v Validator, r Repairer, g Guide, maxAttempts int) *Loop {
	t.Helper()
	loop, err := New(Config{
		Files: files, Validator: v, Repairer: r, Guide: g, MaxAttempts: maxAttempts,
	})
	require.NoError(t, err)
	return loop
}

func TestFingerprintIgnoresNumericLiterals(t *testing.T) {
	a := []validate.ParsedError{
		{Category: validate.CategoryTypeError, Message: "Type 'string' is not assignable on line 42", File: "src/a.ts"},
		{Category: validate.CategoryBuildError, Message: "chunk 1203 failed"},
	}
	b := []validate.ParsedError{
		{Category: validate.CategoryBuildError, Message: "chunk 7 failed"},
		{Category: validate.CategoryTypeError, Message: "Type 'string' is not assignable on line 9", File: "src/a.ts"},
	}
	require.Equal(t, Fingerprint(a), Fingerprint(b))

	c := []validate.ParsedError{
		{Category: validate.CategoryTypeError, Message: "Type 'number' is not assignable on line 42", File: "src/a.ts"},
		{Category: validate.CategoryBuildError, Message: "chunk 1203 failed"},
	}
	require.NotEqual(t, Fingerprint(a), Fingerprint(c))
}

func TestRunSucceedsOnCleanPass(t *testing.T) {
	files := seedCleanProject(t)
	repairer := &recordingRepairer{}
	loop := newLoop(t, files, &scriptedValidator{outcomes: []validate.Outcome{{}}}, repairer, nil, 0)

	res, err := loop.Run(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 1, res.Attempts)
	require.Zero(t, res.Repairs)
	require.Empty(t, repairer.requests)
}

func TestRunMissingDependencyShortCircuit(t *testing.T) {
	files := inmem.NewFileStore()
	_, err := files.SaveFiles(context.Background(), "s1", []session.FileInput{
		{Path: "package.json", Content: `{"scripts":{"build":"vite build"},"dependencies":{"react":"*"}}`},
		{Path: "src/main.tsx", Content: "import React from 'react'\nimport axios from 'axios'\n"},
	})
	require.NoError(t, err)

	validator := &scriptedValidator{outcomes: []validate.Outcome{{}}}
	repairer := &recordingRepairer{}
	repairer.onRepair = func(ctx context.Context, req Request) error {
		// The repair adds the missing dependency to the manifest.
		_, err := files.SaveFiles(ctx, "s1", []session.FileInput{
			{Path: "package.json", Content: `{"scripts":{"build":"vite build"},"dependencies":{"react":"*","axios":"*"}}`},
		})
		return err
	}
	loop := newLoop(t, files, validator, repairer, nil, 0)

	res, err := loop.Run(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 2, res.Attempts)
	require.Equal(t, 1, res.Repairs)

	require.Len(t, repairer.requests, 1)
	req := repairer.requests[0]
	require.Equal(t, StrategyImportsFirst, req.Strategy)
	require.Len(t, req.Errors, 1)
	require.Equal(t, "axios", req.Errors[0].MissingPackage)
	require.Contains(t, req.Message, "axios")
	require.Contains(t, req.Message, "[PackageManifest]")
	// Validation stack never ran while dependencies were missing.
	require.Equal(t, 1, validator.calls)
}

func TestRunStuckLoopEscalatesStrategy(t *testing.T) {
	files := seedCleanProject(t)
	errs := typeErrors(1)
	validator := &scriptedValidator{outcomes: []validate.Outcome{
		{Stage: validate.StageTypes, Errors: errs},
	}}
	repairer := &recordingRepairer{}
	guide := &staticGuide{block: "Consult the react-router upgrade guide."}
	loop := newLoop(t, files, validator, repairer, guide, 5)

	res, err := loop.Run(context.Background(), "s1")
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, 5, res.Attempts)
	require.Equal(t, 5, res.Repairs)
	require.Equal(t, StrategyBuildFirst, res.Strategy)
	require.Len(t, res.Remaining, 1)

	var strategies []StrategyProfile
	for _, req := range repairer.requests {
		strategies = append(strategies, req.Strategy)
	}
	require.Equal(t, []StrategyProfile{
		StrategyDefault, StrategyImportsFirst, StrategyTypesFirst,
		StrategyBuildFirst, StrategyBuildFirst,
	}, strategies)

	// Guidance joins the prompt from the third same-fingerprint failure on.
	require.NotContains(t, repairer.requests[0].Message, "[SearchGuidance]")
	require.NotContains(t, repairer.requests[1].Message, "[SearchGuidance]")
	for _, req := range repairer.requests[2:] {
		require.Contains(t, req.Message, "[SearchGuidance]")
		require.Contains(t, req.Message, "react-router upgrade guide")
	}
	require.Equal(t, 3, guide.called)
}

func TestRunRollsBackWorseningIteration(t *testing.T) {
	files := seedCleanProject(t)
	goodMain := "import React from 'react'\n"

	validator := &scriptedValidator{outcomes: []validate.Outcome{
		{Stage: validate.StageTypes, Errors: typeErrors(3)},
		{Stage: validate.StageTypes, Errors: typeErrors(5)},
		{Stage: validate.StageTypes, Errors: typeErrors(3)},
	}}
	repairer := &recordingRepairer{}
	repairer.onRepair = func(ctx context.Context, _ Request) error {
		// A repair attempt that makes the project worse.
		_, err := files.SaveFiles(ctx, "s1", []session.FileInput{
			{Path: "src/main.tsx", Content: "import React from 'react'\nbroken(\n"},
		})
		return err
	}
	loop := newLoop(t, files, validator, repairer, nil, 3)

	res, err := loop.Run(context.Background(), "s1")
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, 1, res.Rollbacks)
	require.Len(t, res.Remaining, 3)

	// The session file set matches the snapshot taken before the bad repair.
	main, err := files.GetFile(context.Background(), "s1", "src/main.tsx")
	require.NoError(t, err)
	require.NotNil(t, main)
	require.NotEqual(t, goodMain, main.Content) // last attempt repaired again
	all, err := files.GetAllFiles(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestRunRollbackRestoresSnapshotFiles(t *testing.T) {
	files := seedCleanProject(t)
	goodMain := "import React from 'react'\n"

	validator := &scriptedValidator{outcomes: []validate.Outcome{
		{Stage: validate.StageTypes, Errors: typeErrors(3)},
		{Stage: validate.StageTypes, Errors: typeErrors(5)},
	}}
	repairer := &recordingRepairer{}
	repairer.onRepair = func(ctx context.Context, _ Request) error {
		_, err := files.SaveFiles(ctx, "s1", []session.FileInput{
			{Path: "src/main.tsx", Content: "import React from 'react'\nbroken(\n"},
			{Path: "src/extra.ts", Content: "export {}\n"},
		})
		return err
	}
	loop := newLoop(t, files, validator, repairer, nil, 2)

	res, err := loop.Run(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Rollbacks)
	require.Equal(t, 1, res.Repairs)

	// Rollback removed the extra file and restored the original content.
	all, err := files.GetAllFiles(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	main, err := files.GetFile(context.Background(), "s1", "src/main.tsx")
	require.NoError(t, err)
	require.Equal(t, goodMain, main.Content)
}

func TestRunHonorsCancellation(t *testing.T) {
	files := seedCleanProject(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	loop := newLoop(t, files, &scriptedValidator{}, &recordingRepairer{}, nil, 0)
	_, err := loop.Run(ctx, "s1")
	require.ErrorIs(t, err, context.Canceled)
}

func TestStrategyContextBlocks(t *testing.T) {
	files := seedCleanProject(t)
	_, err := files.SaveFiles(context.Background(), "s1", []session.FileInput{
		{Path: "src/vite-env.d.ts", Content: "/// <reference types=\"vite/client\" />\n"},
	})
	require.NoError(t, err)

	validator := &scriptedValidator{outcomes: []validate.Outcome{
		{Stage: validate.StageTypes, Errors: typeErrors(1)},
	}}
	repairer := &recordingRepairer{}
	loop, err := New(Config{
		Files: files, Validator: validator, Repairer: repairer,
		FrozenContracts: "types/order.ts: export interface Order", MaxAttempts: 3,
	})
	require.NoError(t, err)

	_, err = loop.Run(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, repairer.requests, 3)

	// imports-first carries the manifest and the installed type stubs.
	require.Contains(t, repairer.requests[1].Message, "[PackageManifest]")
	require.Contains(t, repairer.requests[1].Message, "src/vite-env.d.ts")
	// types-first carries the frozen contract bundle.
	require.Contains(t, repairer.requests[2].Message, "[FrozenContracts]")
	require.Contains(t, repairer.requests[2].Message, "types/order.ts")
	require.NotContains(t, repairer.requests[0].Message, "[PackageManifest]")
}
