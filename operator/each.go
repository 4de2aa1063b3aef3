package operator

import (
	"github.com/taskmesh/taskflow"
	"github.com/taskmesh/taskflow/dataflow"
)

// Firing is one fully-resolved tuple of input bindings, keyed by InParam
// name, ready for a ParallelProcessor or MergeProcessor firing callback.
type Firing map[string]interface{}

// EachFanout sits in front of every process's processor (spec.md §4.8
// "each fan-out"). It reads one tuple across every input channel, takes
// the cartesian product of the positions declared taskflow.EachIn, and
// emits one downstream Firing per combination, in declared order, with
// every Each position replaced by a single element. With no EachIn input
// it emits each tuple as one Firing.
type EachFanout struct {
	Params []*taskflow.InParam
	In     map[string]*dataflow.Channel
	Out    *dataflow.Channel
}

// Run reads rounds from In until, in some round, any channel yields a
// poison pill (or is closed), emitting fanned-out Firings on Out and then
// forwarding the pill. Run is meant to be
// called in its own goroutine; it returns once the pill propagates.
func (f *EachFanout) Run() {
	for {
		tuple := make(map[string]interface{}, len(f.Params))
		pill := false
		for _, p := range f.Params {
			ch := f.In[p.Name]
			t, ok := ch.Recv()
			if !ok || t.Pill {
				pill = true
				continue
			}
			tuple[p.Name] = t.Value
		}
		if pill {
			f.Out.Close()
			return
		}
		for _, firing := range f.expand(tuple) {
			f.Out.Send(firing)
		}
	}
}

// expand takes the cartesian product of every taskflow.EachIn position in
// tuple, leaving every other position untouched, and returns the ordered
// list of resulting Firings.
func (f *EachFanout) expand(tuple map[string]interface{}) []Firing {
	base := Firing{}
	var eachNames []string
	for _, p := range f.Params {
		if p.Kind == taskflow.EachIn {
			eachNames = append(eachNames, p.Name)
			continue
		}
		base[p.Name] = tuple[p.Name]
	}
	if len(eachNames) == 0 {
		return []Firing{base}
	}

	lists := make([][]interface{}, len(eachNames))
	for i, name := range eachNames {
		lists[i] = toSlice(tuple[name])
	}

	var out []Firing
	indices := make([]int, len(lists))
	for {
		firing := make(Firing, len(base)+len(eachNames))
		for k, v := range base {
			firing[k] = v
		}
		for i, name := range eachNames {
			firing[name] = lists[i][indices[i]]
		}
		out = append(out, firing)

		pos := len(indices) - 1
		for pos >= 0 {
			indices[pos]++
			if indices[pos] < len(lists[pos]) {
				break
			}
			indices[pos] = 0
			pos--
		}
		if pos < 0 {
			break
		}
	}
	return out
}

func toSlice(v interface{}) []interface{} {
	switch s := v.(type) {
	case []interface{}:
		return s
	case []string:
		out := make([]interface{}, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	default:
		return []interface{}{v}
	}
}
