package wavelet

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownWavelet is returned for filter names outside the registry.
var ErrUnknownWavelet = errors.New("wavelet: unknown wavelet")

// Filter is an orthogonal two-channel analysis filter pair.
type Filter struct {
	Name string
	Lo   []float64
	Hi   []float64
}

// Len returns the number of taps.
func (f Filter) Len() int { return len(f.Lo) }

// scaling filters (low-pass), normalised so that sum(h) = sqrt(2)
var scaling = map[string][]float64{
	"haar": {
		0.7071067811865476, 0.7071067811865476,
	},
	"db2": {
		0.48296291314469025, 0.836516303737469, 0.22414386804185735, -0.12940952255092145,
	},
	"db3": {
		0.3326705529509569, 0.8068915093133388, 0.4598775021193313,
		-0.13501102001039084, -0.08544127388224149, 0.035226291882100656,
	},
	"db4": {
		0.23037781330885523, 0.7148465705525415, 0.6308807679295904, -0.02798376941698385,
		-0.18703481171888114, 0.030841381835986965, 0.032883011666982945, -0.010597401784997278,
	},
	"sym4": {
		-0.07576571478927333, -0.02963552764599851, 0.49761866763201545, 0.8037387518059161,
		0.29785779560527736, -0.09921954357684722, -0.012603967262037833, 0.0322231006040427,
	},
	"sym5": {
		0.027333068345077982, 0.029519490925774643, -0.039134249302383094, 0.1993975339773936,
		0.7234076904024206, 0.6339789634582119, 0.01660210576452232, -0.17532808990845047,
		-0.021101834024758855, 0.019538882735286728,
	},
}

// sym2 and sym3 coincide with db2 and db3.
var aliases = map[string]string{
	"sym2": "db2",
	"sym3": "db3",
	"db1":  "haar",
}

// Lookup returns the filter pair registered under name.
func Lookup(name string) (Filter, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if target, ok := aliases[key]; ok {
		key = target
	}
	h, ok := scaling[key]
	if !ok {
		return Filter{}, fmt.Errorf("%w %q (supported: %s)", ErrUnknownWavelet, name, strings.Join(Names(), ", "))
	}
	return Filter{Name: strings.ToLower(strings.TrimSpace(name)), Lo: h, Hi: quadratureMirror(h)}, nil
}

// Names lists every accepted wavelet name.
func Names() []string {
	names := make([]string, 0, len(scaling)+len(aliases))
	for name := range scaling {
		names = append(names, name)
	}
	for name := range aliases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// quadratureMirror derives the high-pass filter g[k] = (-1)^k h[L-1-k].
func quadratureMirror(h []float64) []float64 {
	n := len(h)
	g := make([]float64, n)
	for k := range g {
		g[k] = h[n-1-k]
		if k%2 == 1 {
			g[k] = -g[k]
		}
	}
	return g
}

// analyze performs one periodized analysis step on x, writing len(x)/2
// approximation and detail coefficients into lo and hi.
func (f Filter) analyze(x, lo, hi []float64) {
	n := len(x)
	half := n / 2
	for i := 0; i < half; i++ {
		var a, d float64
		base := 2 * i
		for k, hk := range f.Lo {
			v := x[(base+k)%n]
			a += hk * v
			d += f.Hi[k] * v
		}
		lo[i] = a
		hi[i] = d
	}
}
