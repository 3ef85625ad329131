package slurm

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/tOgg1/slurmssh/internal/ssh"
)

type fakeReply struct {
	stdout string
	stderr string
	exit   int
	err    error
}

type fakeRule struct {
	match string
	reply func(cmd string) fakeReply
}

// fakeRemote is a scripted Remote. Rules match by substring; the most
// recently added matching rule wins. Unmatched commands exit 127.
type fakeRemote struct {
	mu        sync.Mutex
	rules     []fakeRule
	commands  []string
	files     map[string][]byte
	modes     map[string]os.FileMode
	dirs      map[string]bool
	removeErr error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		files: make(map[string][]byte),
		modes: make(map[string]os.FileMode),
		dirs:  make(map[string]bool),
	}
}

func (f *fakeRemote) on(match, stdout, stderr string, exit int) {
	f.onFunc(match, func(string) fakeReply {
		return fakeReply{stdout: stdout, stderr: stderr, exit: exit}
	})
}

func (f *fakeRemote) onFunc(match string, reply func(cmd string) fakeReply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, fakeRule{match: match, reply: reply})
}

func (f *fakeRemote) Exec(ctx context.Context, cmd string) ([]byte, []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	var rule *fakeRule
	for i := len(f.rules) - 1; i >= 0; i-- {
		if strings.Contains(cmd, f.rules[i].match) {
			rule = &f.rules[i]
			break
		}
	}
	f.mu.Unlock()

	r := fakeReply{stderr: "command not found", exit: 127}
	if rule != nil {
		r = rule.reply(cmd)
	}
	if r.err != nil {
		return nil, nil, r.err
	}
	stdout, stderr := []byte(r.stdout), []byte(r.stderr)
	if r.exit != 0 {
		return stdout, stderr, &ssh.ExecError{Command: cmd, ExitCode: r.exit, Stdout: stdout, Stderr: stderr}
	}
	return stdout, stderr, nil
}

func (f *fakeRemote) MkdirAll(ctx context.Context, dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs[dir] = true
	return nil
}

func (f *fakeRemote) WriteFile(ctx context.Context, p string, r io.Reader, mode os.FileMode) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dirs[path.Dir(p)] {
		return errors.New("no such directory: " + path.Dir(p))
	}
	f.files[p] = data
	f.modes[p] = mode
	return nil
}

func (f *fakeRemote) Remove(ctx context.Context, p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	if _, ok := f.files[p]; !ok {
		return os.ErrNotExist
	}
	delete(f.files, p)
	return nil
}

func (f *fakeRemote) filesIn(dir string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for p := range f.files {
		if path.Dir(p) == dir {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeRemote) count(match string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.commands {
		if strings.Contains(c, match) {
			n++
		}
	}
	return n
}
