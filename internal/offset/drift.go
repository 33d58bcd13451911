package offset

import "math"

// window — кольцо последних смещений с временем сэмпла: дисперсия и дрейф
// (наклон линейной регрессии offset по времени).
type window struct {
	xs  []float64 // время в секундах от первого сэмпла
	ys  []float64 // смещение в наносекундах
	n   int
	idx int
}

func newWindow(size int) *window {
	if size < 1 {
		size = 1
	}
	return &window{xs: make([]float64, size), ys: make([]float64, size)}
}

func (w *window) add(tSec, offsetNs float64) {
	w.xs[w.idx] = tSec
	w.ys[w.idx] = offsetNs
	w.idx = (w.idx + 1) % len(w.xs)
	if w.n < len(w.xs) {
		w.n++
	}
}

func (w *window) reset() {
	w.n = 0
	w.idx = 0
}

// variance — дисперсия совокупности смещений в окне (нс²).
func (w *window) variance() float64 {
	if w.n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < w.n; i++ {
		sum += w.ys[i]
	}
	mean := sum / float64(w.n)
	var sq float64
	for i := 0; i < w.n; i++ {
		d := w.ys[i] - mean
		sq += d * d
	}
	return sq / float64(w.n)
}

// slope — наклон offset(t) в нс/с, то есть ppb. Нужно хотя бы 4 точки.
func (w *window) slope() float64 {
	if w.n < 4 {
		return 0
	}
	n := float64(w.n)
	var sumX, sumY, sumXY, sumX2 float64
	for i := 0; i < w.n; i++ {
		sumX += w.xs[i]
		sumY += w.ys[i]
		sumXY += w.xs[i] * w.ys[i]
		sumX2 += w.xs[i] * w.xs[i]
	}
	denom := n*sumX2 - sumX*sumX
	if denom == 0 || math.IsNaN(denom) {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}
