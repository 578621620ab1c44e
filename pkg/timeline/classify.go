package timeline

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

type Stage int

const (
	StageOther Stage = iota
	StageArrival
	StageDeparture
)

func (s Stage) String() string {
	switch s {
	case StageArrival:
		return "ARRIVAL"
	case StageDeparture:
		return "DEPARTURE"
	default:
		return "OTHER"
	}
}

type rule struct {
	contains string
	stage    Stage
}

// rules is evaluated top to bottom against the normalized label; the first
// match wins. Multi-word phrases that would otherwise hit a shorter keyword
// of the opposite stage come first.
var rules = []rule{
	{"awaiting pickup", StageDeparture},
	{"ready for pickup", StageDeparture},
	{"aguardando retirada", StageDeparture},
	{"pronto para retirada", StageDeparture},
	{"pickup scheduled", StageDeparture},
	{"pick up scheduled", StageDeparture},
	{"scheduled pickup", StageDeparture},
	{"scheduled for pickup", StageDeparture},
	{"departure scheduled", StageDeparture},
	{"scheduled departure", StageDeparture},
	{"retirada agendada", StageDeparture},
	{"saida agendada", StageDeparture},
	{"agendamento de retirada", StageDeparture},
	{"agendamento da retirada", StageDeparture},

	{"arrival", StageArrival},
	{"arrived", StageArrival},
	{"received", StageArrival},
	{"receiving", StageArrival},
	{"check in", StageArrival},
	{"scheduling", StageArrival},
	{"scheduled", StageArrival},
	{"chegada", StageArrival},
	{"recebido", StageArrival},
	{"recebimento", StageArrival},
	{"agendamento", StageArrival},
	{"agendado", StageArrival},
	{"entrada", StageArrival},

	{"pickup", StageDeparture},
	{"picked up", StageDeparture},
	{"departure", StageDeparture},
	{"completed", StageDeparture},
	{"released", StageDeparture},
	{"check out", StageDeparture},
	{"retirada", StageDeparture},
	{"retirado", StageDeparture},
	{"saida", StageDeparture},
	{"concluido", StageDeparture},
	{"finalizado", StageDeparture},
	{"liberado", StageDeparture},
	{"entregue", StageDeparture},
}

// NormalizeLabel lower-cases a stage label, strips diacritics and collapses
// separators to single spaces.
func NormalizeLabel(label string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	s, _, err := transform.String(t, label)
	if err != nil {
		s = label
	}
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		if r == '_' || r == '-' || r == '/' {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// Classify maps a free-text stage label to a Stage.
func Classify(label string) Stage {
	n := NormalizeLabel(label)
	if n == "" {
		return StageOther
	}
	for _, r := range rules {
		if strings.Contains(n, r.contains) {
			return r.stage
		}
	}
	return StageOther
}
