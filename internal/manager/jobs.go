package manager

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"llmnode/internal/generate"
	"llmnode/internal/session"
)

// Job is one submitted generation. Its events go to the sink given to
// Submit; Done closes once the End event was delivered.
type Job struct {
	ID      string
	ModelID string
	Request generate.Request
	Created time.Time

	cancel  session.CancelFlag
	running atomic.Bool
	done    chan struct{}
	res     generate.Result
	// onFinish runs on the worker after the End event, before Done closes.
	onFinish func(generate.Result)
}

func newJob(modelID string, req generate.Request) *Job {
	return &Job{
		ID:      uuid.NewString(),
		ModelID: modelID,
		Request: req,
		Created: time.Now(),
		done:    make(chan struct{}),
	}
}

// Cancel asks the generation to stop at its next step. A queued job ends
// as cancelled as soon as the worker picks it up.
func (j *Job) Cancel() { j.cancel.Cancel() }

// Done is closed when the job finished.
func (j *Job) Done() <-chan struct{} { return j.done }

// Running reports whether the worker has started the job.
func (j *Job) Running() bool { return j.running.Load() }

func (j *Job) markRunning() { j.running.Store(true) }

// Result returns the outcome; it is only meaningful after Done is closed.
func (j *Job) Result() generate.Result {
	select {
	case <-j.done:
		return j.res
	default:
		return generate.Result{State: generate.StateCreated}
	}
}

// Wait blocks until the job finishes or ctx ends.
func (j *Job) Wait(ctx context.Context) (generate.Result, error) {
	select {
	case <-j.done:
		return j.res, nil
	case <-ctx.Done():
		return generate.Result{}, ctx.Err()
	}
}

func (m *Manager) trackJob(j *Job) {
	m.jobsMu.Lock()
	m.jobs[j.ID] = j
	m.jobsMu.Unlock()
	activeJobs.Inc()
}

func (m *Manager) finishJob(j *Job, res generate.Result) {
	m.jobsMu.Lock()
	delete(m.jobs, j.ID)
	m.jobsMu.Unlock()
	activeJobs.Dec()
	j.res = res
	if j.onFinish != nil {
		func() {
			defer func() {
				if p := recover(); p != nil {
					m.log.Error().Str("event", "job_finish_panic").Str("job", j.ID).Interface("panic", p).Msg("finish callback panicked")
				}
			}()
			j.onFinish(res)
		}()
	}
	close(j.done)
	m.publish("job_done", j.ModelID, map[string]any{"job": j.ID, "state": res.State.String(), "stop_reason": string(res.StopReason)})
}

// Job looks up a queued or running job.
func (m *Manager) Job(id string) (*Job, bool) {
	m.jobsMu.Lock()
	defer m.jobsMu.Unlock()
	j, ok := m.jobs[id]
	return j, ok
}

// Cancel sets the cancellation flag of a queued or running job.
func (m *Manager) Cancel(jobID string) error {
	j, ok := m.Job(jobID)
	if !ok {
		return jobNotFoundError{id: jobID}
	}
	j.Cancel()
	m.log.Info().Str("event", "job_cancel").Str("job", jobID).Str("model", j.ModelID).Msg("cancel requested")
	m.publish("job_cancel", j.ModelID, map[string]any{"job": jobID})
	return nil
}

// cancelJobs cancels every job of one model.
func (m *Manager) cancelJobs(modelID string) int {
	m.jobsMu.Lock()
	defer m.jobsMu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.ModelID == modelID {
			j.Cancel()
			n++
		}
	}
	return n
}

func (m *Manager) activeJobCount() int {
	m.jobsMu.Lock()
	defer m.jobsMu.Unlock()
	return len(m.jobs)
}

// Submit queues a generation on the model's worker and returns at once.
// ctx covers admission and also cancels the running generation when it ends.
// Session paths in req are resolved under the session directory.
func (m *Manager) Submit(ctx context.Context, modelID string, req generate.Request, sink generate.Sink) (*Job, error) {
	return m.submit(ctx, modelID, req, sink, nil)
}

func (m *Manager) submit(ctx context.Context, modelID string, req generate.Request, sink generate.Sink, onFinish func(generate.Result)) (*Job, error) {
	modelID, err := m.resolveModelID(modelID)
	if err != nil {
		return nil, err
	}
	if req.LoadSession, err = m.sessionPath(req.LoadSession); err != nil {
		return nil, err
	}
	if req.SaveSession, err = m.sessionPath(req.SaveSession); err != nil {
		return nil, err
	}
	if err := req.Sampling.Validate(); err != nil {
		return nil, badRequestError{msg: "invalid sampling config: " + err.Error()}
	}
	if err := m.EnsureInstance(ctx, modelID); err != nil {
		return nil, err
	}
	inst, release, err := m.beginGeneration(ctx, modelID)
	if err != nil {
		if IsTooBusy(err) {
			generationsTotal.WithLabelValues("rejected").Inc()
		}
		return nil, err
	}
	job := newJob(modelID, req)
	job.onFinish = onFinish
	m.trackJob(job)
	cmd := command{kind: cmdGenerate, ctx: ctx, job: job, sink: sink, release: release}
	if err := inst.send(ctx, cmd); err != nil {
		release()
		m.jobsMu.Lock()
		delete(m.jobs, job.ID)
		m.jobsMu.Unlock()
		activeJobs.Dec()
		if err == errInstanceStopped {
			err = tooBusyError{modelID: modelID}
		}
		return nil, err
	}
	m.log.Debug().Str("event", "job_queued").Str("model", modelID).Str("job", job.ID).Msg("generation queued")
	m.publish("job_queued", modelID, map[string]any{"job": job.ID})
	return job, nil
}
