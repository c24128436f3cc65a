package spawn

import (
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/iwanhae/terminal-hub/internal/registry"
)

func TestSpawn(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Spawn Pipeline Suite")
}

type fakeRegistrar struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (f *fakeRegistrar) Register(cfg registry.Config) (registry.Terminal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return registry.Terminal{}, f.fail
	}
	f.calls++
	return registry.Terminal{
		ID:           "term-1",
		Name:         cfg.Name,
		TerminalType: cfg.TerminalType,
		State:        registry.StateActive,
	}, nil
}

func defaultOpts() Options {
	return Options{
		AllowedTypes:       map[string]bool{"shell": true},
		RateLimitBurst:     3,
		RateLimitPerWindow: 10,
		RateLimitWindow:    10 * time.Second,
	}
}

var _ = Describe("Pipeline.Spawn validation", func() {
	It("rejects an unknown terminal type", func() {
		reg := &fakeRegistrar{}
		p := New(reg, defaultOpts(), nil)

		_, err := p.Spawn(Request{TerminalType: "nope"})
		var se *SpawnError
		Expect(errors.As(err, &se)).To(BeTrue())
		Expect(se.Kind).To(Equal(ErrUnknownType))
	})

	It("rejects a name over 50 characters", func() {
		reg := &fakeRegistrar{}
		p := New(reg, defaultOpts(), nil)

		long := make([]byte, 51)
		for i := range long {
			long[i] = 'a'
		}
		_, err := p.Spawn(Request{TerminalType: "shell", Name: string(long)})
		var se *SpawnError
		Expect(errors.As(err, &se)).To(BeTrue())
		Expect(se.Kind).To(Equal(ErrNameTooLong))
	})

	It("rejects cols/rows outside the allowed range", func() {
		reg := &fakeRegistrar{}
		p := New(reg, defaultOpts(), nil)

		_, err := p.Spawn(Request{TerminalType: "shell", Cols: 5})
		var se *SpawnError
		Expect(errors.As(err, &se)).To(BeTrue())
		Expect(se.Kind).To(Equal(ErrColsOutOfRange))

		_, err = p.Spawn(Request{TerminalType: "shell", Rows: 500})
		Expect(errors.As(err, &se)).To(BeTrue())
		Expect(se.Kind).To(Equal(ErrRowsOutOfRange))
	})

	It("rejects a nonexistent working directory", func() {
		reg := &fakeRegistrar{}
		p := New(reg, defaultOpts(), nil)

		_, err := p.Spawn(Request{TerminalType: "shell", WorkingDir: "/does/not/exist-xyz"})
		var se *SpawnError
		Expect(errors.As(err, &se)).To(BeTrue())
		Expect(se.Kind).To(Equal(ErrWorkingDirInvalid))
	})
})

var _ = Describe("Pipeline.Spawn rate limiting", func() {
	It("allows up to burst, then rejects with retryAfter", func() {
		reg := &fakeRegistrar{}
		opts := defaultOpts()
		opts.RateLimitBurst = 2
		opts.RateLimitPerWindow = 2
		opts.RateLimitWindow = time.Second
		p := New(reg, opts, nil)

		_, err := p.Spawn(Request{ClientID: "c1", TerminalType: "shell"})
		Expect(err).NotTo(HaveOccurred())
		_, err = p.Spawn(Request{ClientID: "c1", TerminalType: "shell"})
		Expect(err).NotTo(HaveOccurred())

		_, err = p.Spawn(Request{ClientID: "c1", TerminalType: "shell"})
		var se *SpawnError
		Expect(errors.As(err, &se)).To(BeTrue())
		Expect(se.Kind).To(Equal(ErrRateLimited))
		Expect(se.RetryAfter).To(BeNumerically(">", 0))
	})

	It("tracks separate clients independently", func() {
		reg := &fakeRegistrar{}
		opts := defaultOpts()
		opts.RateLimitBurst = 1
		p := New(reg, opts, nil)

		_, err := p.Spawn(Request{ClientID: "c1", TerminalType: "shell"})
		Expect(err).NotTo(HaveOccurred())
		_, err = p.Spawn(Request{ClientID: "c2", TerminalType: "shell"})
		Expect(err).NotTo(HaveOccurred())
	})

	It("does not let a fresh requestId per call bypass the per-client limit", func() {
		reg := &fakeRegistrar{}
		opts := defaultOpts()
		opts.RateLimitBurst = 1
		opts.RateLimitPerWindow = 1
		opts.RateLimitWindow = time.Minute
		p := New(reg, opts, nil)

		_, err := p.Spawn(Request{ClientID: "c1", RequestID: "r1", TerminalType: "shell"})
		Expect(err).NotTo(HaveOccurred())

		_, err = p.Spawn(Request{ClientID: "c1", RequestID: "r2", TerminalType: "shell"})
		var se *SpawnError
		Expect(errors.As(err, &se)).To(BeTrue())
		Expect(se.Kind).To(Equal(ErrRateLimited))
	})
})

var _ = Describe("Pipeline.Spawn correlation and deduplication", func() {
	It("registers exactly one Terminal for repeated requestIds and echoes it back", func() {
		reg := &fakeRegistrar{}
		p := New(reg, defaultOpts(), nil)

		var wg sync.WaitGroup
		results := make([]Result, 2)
		errs := make([]error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = p.Spawn(Request{TerminalType: "shell", RequestID: "r-42"})
			}(i)
		}
		wg.Wait()

		Expect(errs[0]).NotTo(HaveOccurred())
		Expect(errs[1]).NotTo(HaveOccurred())
		Expect(results[0].TerminalID).To(Equal(results[1].TerminalID))
		Expect(results[0].RequestID).To(Equal("r-42"))

		reg.mu.Lock()
		defer reg.mu.Unlock()
		Expect(reg.calls).To(Equal(1))
	})

	It("treats an empty requestId as never deduplicated", func() {
		reg := &fakeRegistrar{}
		p := New(reg, defaultOpts(), nil)

		_, err := p.Spawn(Request{TerminalType: "shell"})
		Expect(err).NotTo(HaveOccurred())
		_, err = p.Spawn(Request{TerminalType: "shell"})
		Expect(err).NotTo(HaveOccurred())

		reg.mu.Lock()
		defer reg.mu.Unlock()
		Expect(reg.calls).To(Equal(2))
	})
})
