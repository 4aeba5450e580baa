package indicators

// Window keeps the most recent prices up to a fixed capacity.
type Window struct {
	values []float64
	size   int
}

// NewWindow builds a window holding at most size values.
func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{values: make([]float64, 0, size), size: size}
}

// Push appends v, evicting the oldest value once full.
func (w *Window) Push(v float64) {
	w.values = append(w.values, v)
	if len(w.values) > w.size {
		w.values = w.values[len(w.values)-w.size:]
	}
}

func (w *Window) Len() int { return len(w.values) }

func (w *Window) Full() bool { return len(w.values) == w.size }

// Values returns the window oldest first. The slice is only valid until the next Push.
func (w *Window) Values() []float64 { return w.values }

func (w *Window) Last() float64 {
	if len(w.values) == 0 {
		return 0
	}
	return w.values[len(w.values)-1]
}
