package comfy

// Progress is delivered on every running update. Value and Max are zero for
// node transitions that carry no step counter.
type Progress struct {
	Node  string
	Value int
	Max   int
}

// JobObserver receives a job's lifecycle transitions. OnProgress may fire many
// times; the other methods fire at most once, and only one of OnCompleted,
// OnCancelled, OnError fires per job. Methods run on the stream reader or the
// caller's goroutine and must not block for long. Calling Client.Close from a
// method is allowed.
type JobObserver interface {
	OnProgress(j *Job, p Progress)
	OnCompleted(j *Job)
	OnCancelled(j *Job)
	OnError(j *Job, err error)
}

// ObserverFuncs adapts plain functions to JobObserver. Nil fields are skipped.
type ObserverFuncs struct {
	Progress  func(j *Job, p Progress)
	Completed func(j *Job)
	Cancelled func(j *Job)
	Error     func(j *Job, err error)
}

func (o ObserverFuncs) OnProgress(j *Job, p Progress) {
	if o.Progress != nil {
		o.Progress(j, p)
	}
}

func (o ObserverFuncs) OnCompleted(j *Job) {
	if o.Completed != nil {
		o.Completed(j)
	}
}

func (o ObserverFuncs) OnCancelled(j *Job) {
	if o.Cancelled != nil {
		o.Cancelled(j)
	}
}

func (o ObserverFuncs) OnError(j *Job, err error) {
	if o.Error != nil {
		o.Error(j, err)
	}
}

var _ JobObserver = ObserverFuncs{}
