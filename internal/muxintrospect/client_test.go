package muxintrospect

import (
	"context"
	"errors"
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestMuxIntrospect(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Mux Introspector Suite")
}

func fakeRunner(responses map[string]string, errs map[string]error) Runner {
	return func(ctx context.Context, name string, args ...string) (string, error) {
		key := name + " " + strings.Join(args, " ")
		for k, err := range errs {
			if strings.HasPrefix(key, k) {
				return "", err
			}
		}
		for k, resp := range responses {
			if strings.HasPrefix(key, k) {
				return resp, nil
			}
		}
		return "", nil
	}
}

var _ = Describe("Client.ListDetailed", func() {
	It("parses session fields and resolves git branch plus user-options", func() {
		responses := map[string]string{
			"tmux list-sessions": "tt-ca-abc\t2\t1\t1700000000\t/work/repo\tvim\n",
			"git -C /work/repo":  "main\n",
			"tmux show-options -t tt-ca-abc": "@tt-type \"code-agent\"\n@tt-name \"ca-0\"\nsome-other-opt off\n",
		}
		c := NewWithRunner(fakeRunner(responses, nil), nil)

		sessions, err := c.ListDetailed(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(sessions).To(HaveLen(1))

		s := sessions[0]
		Expect(s.Name).To(Equal("tt-ca-abc"))
		Expect(s.Windows).To(Equal(2))
		Expect(s.Attached).To(BeTrue())
		Expect(s.Cwd).To(Equal("/work/repo"))
		Expect(s.ForegroundCmd).To(Equal("vim"))
		Expect(s.GitBranch).To(Equal("main"))
		Expect(s.UserOptions["type"]).To(Equal("code-agent"))
	})

	It("treats a missing tmux server as an empty list, not an error", func() {
		c := NewWithRunner(fakeRunner(nil, map[string]error{
			"tmux list-sessions": errors.New("no server running on /tmp/tmux-0/default"),
		}), nil)

		sessions, err := c.ListDetailed(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(sessions).To(BeEmpty())
	})
})

var _ = Describe("GroupSessions", func() {
	It("classifies managed-by-type vs external sessions", func() {
		list := []SessionInfo{
			{Name: "tt-ca-1", UserOptions: map[string]string{"type": "code-agent"}},
			{Name: "tt-sh-2", UserOptions: map[string]string{"type": "shell"}},
			{Name: "my-manual-session"},
		}
		g := GroupSessions(list)
		Expect(g.Managed).To(HaveLen(2))
		Expect(g.ByAiTool["code-agent"]).To(HaveLen(1))
		Expect(g.ByAiTool["shell"]).To(HaveLen(1))
		Expect(g.External).To(HaveLen(1))
		Expect(g.External[0].Name).To(Equal("my-manual-session"))
	})
})

var _ = Describe("Client.KillSession", func() {
	It("returns an error when tmux kill-session fails", func() {
		c := NewWithRunner(fakeRunner(nil, map[string]error{
			"tmux kill-session": errors.New("exit status 1"),
		}), nil)

		err := c.KillSession(context.Background(), "tt-missing")
		// classifyNotFound only recognizes *exec.ExitError with stderr text;
		// a plain error without that shape passes through unchanged.
		Expect(err).To(HaveOccurred())
	})
})
