package runner

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/tOgg1/slurmssh/internal/ssh"
)

type reply struct {
	stdout string
	stderr string
	exit   int
}

// fakeSession scripts remote commands by substring; the most recently
// added matching rule wins and unmatched commands exit 127.
type fakeSession struct {
	mu       sync.Mutex
	rules    []fakeRule
	commands []string
	files    map[string][]byte
	removed  []string
	closed   int
}

type fakeRule struct {
	match string
	next  func() reply
}

func newFakeSession() *fakeSession {
	return &fakeSession{files: make(map[string][]byte)}
}

func (f *fakeSession) on(match string, replies ...reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := 0
	f.rules = append(f.rules, fakeRule{match: match, next: func() reply {
		r := replies[i]
		if i < len(replies)-1 {
			i++
		}
		return r
	}})
}

func (f *fakeSession) Exec(ctx context.Context, cmd string) ([]byte, []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed > 0 {
		return nil, nil, ssh.ErrConnectionClosed
	}
	f.commands = append(f.commands, cmd)

	r := reply{stderr: "command not found", exit: 127}
	for i := len(f.rules) - 1; i >= 0; i-- {
		if strings.Contains(cmd, f.rules[i].match) {
			r = f.rules[i].next()
			break
		}
	}
	if r.exit != 0 {
		return []byte(r.stdout), []byte(r.stderr), &ssh.ExecError{
			Command:  cmd,
			ExitCode: r.exit,
			Stdout:   []byte(r.stdout),
			Stderr:   []byte(r.stderr),
		}
	}
	return []byte(r.stdout), []byte(r.stderr), nil
}

func (f *fakeSession) MkdirAll(ctx context.Context, dir string) error {
	return ctx.Err()
}

func (f *fakeSession) WriteFile(ctx context.Context, path string, r io.Reader, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = data
	return nil
}

func (f *fakeSession) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[path]; !ok {
		return os.ErrNotExist
	}
	delete(f.files, path)
	f.removed = append(f.removed, path)
	return nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeSession) count(match string) int {
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

func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed > 0
}

func (f *fakeSession) fileCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.files)
}

func dialerFor(s *fakeSession) Dialer {
	return func(ctx context.Context, target ssh.ResolvedTarget) (Session, error) {
		return s, nil
	}
}
