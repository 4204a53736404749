package groupmq

import (
	"context"
	"embed"
	"fmt"
	"os"
)

//go:embed core/scripts/*.lua
var embeddedScripts embed.FS

type ScriptDef struct {
	SHA string
	Src string
}

type Scripts struct {
	Enqueue     ScriptDef
	Reserve     ScriptDef
	Complete    ScriptDef
	Retry       ScriptDef
	Heartbeat   ScriptDef
	Cleanup     ScriptDef
	Counts      ScriptDef
	RetryFailed ScriptDef
}

// LoadScripts registers every script with the server. An empty scriptsDir
// uses the embedded copies.
func LoadScripts(ctx context.Context, r RedisLike, scriptsDir string) (Scripts, error) {
	loadOne := func(name string) (ScriptDef, error) {
		var src []byte
		var err error

		if scriptsDir == "" {
			src, err = embeddedScripts.ReadFile("core/scripts/" + name)
		} else {
			src, err = os.ReadFile(scriptsDir + "/" + name)
		}
		if err != nil {
			return ScriptDef{}, fmt.Errorf("read script %s: %w", name, err)
		}

		sha, err := r.ScriptLoad(ctx, string(src))
		if err != nil {
			return ScriptDef{}, fmt.Errorf("load script %s: %w", name, err)
		}

		return ScriptDef{
			SHA: sha,
			Src: string(src),
		}, nil
	}

	var err error
	s := Scripts{}

	if s.Enqueue, err = loadOne("enqueue.lua"); err != nil {
		return s, err
	}
	if s.Reserve, err = loadOne("reserve.lua"); err != nil {
		return s, err
	}
	if s.Complete, err = loadOne("complete.lua"); err != nil {
		return s, err
	}
	if s.Retry, err = loadOne("retry.lua"); err != nil {
		return s, err
	}
	if s.Heartbeat, err = loadOne("heartbeat.lua"); err != nil {
		return s, err
	}
	if s.Cleanup, err = loadOne("cleanup.lua"); err != nil {
		return s, err
	}
	if s.Counts, err = loadOne("counts.lua"); err != nil {
		return s, err
	}
	if s.RetryFailed, err = loadOne("retry_failed.lua"); err != nil {
		return s, err
	}

	return s, nil
}
