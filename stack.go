package monitor

import (
	"errors"
	"path/filepath"
	"runtime"
	"strings"
)

const maxStackFrames = 64

// stackTracer is implemented by errors that record where they were created,
// as program counters.
type stackTracer interface {
	StackTrace() []uintptr
}

// remoteStack is implemented by errors carrying frames captured outside
// this process, oldest call first.
type remoteStack interface {
	StackFrames() []Frame
}

// errorStack returns the frames recorded by err or one it wraps.
func errorStack(err error) *Stacktrace {
	var rs remoteStack
	if errors.As(err, &rs) {
		if frames := rs.StackFrames(); len(frames) > 0 {
			return &Stacktrace{Frames: append([]Frame(nil), frames...)}
		}
	}

	var st stackTracer
	if !errors.As(err, &st) {
		return nil
	}
	pcs := st.StackTrace()
	if len(pcs) > maxStackFrames {
		pcs = pcs[:maxStackFrames]
	}
	return framesFromPCs(pcs)
}

// callerStack captures the current goroutine's stack without frames that
// belong to this package or the runtime.
func callerStack() *Stacktrace {
	pcs := make([]uintptr, maxStackFrames)
	n := runtime.Callers(1, pcs)
	if n == 0 {
		return nil
	}
	return framesFromPCs(pcs[:n])
}

func framesFromPCs(pcs []uintptr) *Stacktrace {
	if len(pcs) == 0 {
		return nil
	}

	var frames []Frame
	iter := runtime.CallersFrames(pcs)
	for {
		f, more := iter.Next()
		if f.Function != "" && !skipFrame(f.Function) {
			module, function := splitFunctionName(f.Function)
			frames = append(frames, Frame{
				Filename: filepath.Base(f.File),
				AbsPath:  f.File,
				Function: function,
				Module:   module,
				Lineno:   f.Line,
			})
		}
		if !more {
			break
		}
	}
	if len(frames) == 0 {
		return nil
	}

	// runtime order is innermost first, the collector wants the oldest call first
	for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
		frames[i], frames[j] = frames[j], frames[i]
	}
	return &Stacktrace{Frames: frames}
}

const selfPackage = "github.com/lehter/monitor."

func skipFrame(function string) bool {
	if strings.HasPrefix(function, "runtime.") {
		return true
	}
	if strings.HasPrefix(function, selfPackage) {
		// keep this package's tests so captures made from them have frames
		return !strings.Contains(function, "_test.") && !strings.Contains(function, ".Test")
	}
	return false
}

// splitFunctionName splits "github.com/a/b.(*T).M" into "github.com/a/b" and "(*T).M".
func splitFunctionName(name string) (module, function string) {
	slash := strings.LastIndex(name, "/")
	dot := strings.Index(name[slash+1:], ".")
	if dot < 0 {
		return "", name
	}
	dot += slash + 1
	return name[:dot], name[dot+1:]
}

// culprit names the innermost frame, used as the event's culprit.
func culprit(st *Stacktrace) string {
	if st == nil || len(st.Frames) == 0 {
		return ""
	}
	f := st.Frames[len(st.Frames)-1]
	if f.Module == "" {
		return f.Function
	}
	return f.Module + "." + f.Function
}
