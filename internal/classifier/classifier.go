package classifier

import "strings"

// Subject labels attached to solved requests.
const (
	SubjectGeneral     = "general"
	SubjectMath        = "math"
	SubjectPhysics     = "physics"
	SubjectChemistry   = "chemistry"
	SubjectBiology     = "biology"
	SubjectHistory     = "history"
	SubjectGeography   = "geography"
	SubjectLiterature  = "literature"
	SubjectRussian     = "russian"
	SubjectEnglish     = "english"
	SubjectInformatics = "informatics"
)

type Classifier interface {
	DetectSubject(text string) (subject string, confidence float64)
}

// KeywordClassifier maps free-form problem text to a coarse subject by
// counting keyword hits. No state, no I/O.
type KeywordClassifier struct{}

func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{}
}

// subjects is a slice, not a map, so scoring order is fixed and ties resolve
// the same way on every call.
var subjects = []struct {
	name     string
	keywords []string
}{
	{SubjectMath, []string{
		"solve", "equation", "integral", "derivative", "triangle",
		"уравнени", "производн", "интеграл", "площад", "периметр", "график",
		"логарифм", "дроб", "треугольник", "sin", "cos", "tan", "x =", "x +", "x -",
	}},
	{SubjectPhysics, []string{
		"velocity", "acceleration", "force", "newton",
		"скорост", "ускорени", "ньютон", "масс", "энерги", "джоул",
		"напряжени", "сопротивлени", "давлени", "линз", "м/с",
	}},
	{SubjectChemistry, []string{
		"reaction", "molecule", "acid",
		"реакци", "моль", "кислот", "щелоч", "оксид", "валентност",
		"h2o", "co2", "уравняй", "электролиз",
	}},
	{SubjectBiology, []string{
		"cell", "organism",
		"клетк", "организм", "фотосинтез", "днк", "хромосом", "эволюци", "митоз",
	}},
	{SubjectHistory, []string{
		"war", "revolution", "empire",
		"войн", "революци", "импери", "царь", "реформ", "сражени", "династи",
	}},
	{SubjectGeography, []string{
		"climate", "continent",
		"климат", "материк", "рельеф", "столиц", "океан", "населени", "часовой пояс",
	}},
	{SubjectLiterature, []string{
		"poem", "novel",
		"стихотворени", "роман", "геро", "метафор", "эпитет", "композици",
	}},
	{SubjectRussian, []string{
		"орфографи", "пунктуаци", "падеж", "склонени", "спряжени",
		"причасти", "запят", "разбор слова",
	}},
	{SubjectEnglish, []string{
		"translate", "grammar", "present simple", "past simple",
		"перевед", "перевод", "артикл", "английск",
	}},
	{SubjectInformatics, []string{
		"algorithm", "program",
		"алгоритм", "программ", "python", "массив", "двоичн", "байт",
	}},
}

// DetectSubject returns the best-scoring subject and a confidence derived
// from keyword hit density. Empty or unmatched input yields SubjectGeneral
// with zero confidence. Same input always yields the same result.
func (c *KeywordClassifier) DetectSubject(text string) (string, float64) {
	lower := strings.ToLower(text)
	words := strings.Fields(lower)
	if len(words) == 0 {
		return SubjectGeneral, 0
	}

	best := SubjectGeneral
	bestHits := 0
	for _, s := range subjects {
		hits := 0
		for _, kw := range s.keywords {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best = s.name
			bestHits = hits
		}
	}
	if bestHits == 0 {
		return SubjectGeneral, 0
	}

	confidence := float64(bestHits) / float64(len(words))
	if confidence > 1 {
		confidence = 1
	}
	return best, confidence
}
