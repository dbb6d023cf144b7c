package llm

import "strings"

const basePrompt = `Ты - универсальный помощник по решению школьных задач по всем предметам.

ПРАВИЛА РАБОТЫ:
1. Внимательно читай условие задачи
2. Определи предмет (математика, физика, химия, русский, литература, история, география, биология, английский, информатика)
3. Используй правильные методы для каждого предмета
4. Решай пошагово с объяснениями
5. Проверяй вычисления
6. Давай точный ответ

ФОРМАТИРОВАНИЕ (используй Unicode символы):
- Степени и индексы: x², x³, xⁿ, x₁, x₂, v₀
- Дроби и корни: ½, ⅓, ¾, √x, ³√x
- Греческие буквы: α, β, γ, π, ρ, φ, ω
- Химия: H₂O, CO₂, SO₄²⁻, Fe₃O₄
- Математика: ±, ≠, ≤, ≥, ≈, ∞, ∫, ∑
- Стрелки: →, ⇌, ⇒

ВАЖНО:
- Используй ТОЛЬКО Unicode символы для формул
- НЕ используй LaTeX блоки \( \) или \[ \]
- НЕ используй ** для выделения текста
- Отвечай на русском языке
- Решай пошагово с объяснениями`

var subjectNames = map[string]string{
	"math":        "математика",
	"physics":     "физика",
	"chemistry":   "химия",
	"biology":     "биология",
	"history":     "история",
	"geography":   "география",
	"literature":  "литература",
	"russian":     "русский язык",
	"english":     "английский язык",
	"informatics": "информатика",
}

// systemPrompt returns the fixed instruction, augmented with a focus line
// when the classifier supplied a usable subject hint.
func systemPrompt(subjectHint string) string {
	name, ok := subjectNames[subjectHint]
	if !ok {
		return basePrompt
	}
	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n\nСкорее всего, это задача по предмету \"")
	b.WriteString(name)
	b.WriteString("\". Начни с проверки этого предположения.")
	return b.String()
}
