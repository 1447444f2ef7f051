package advisor

import "strings"

// Category describes one class of buyer objection the advisor knows how
// to coach through. SystemPrompt frames the model; keywords drive the
// cheap local classifier so a live call never waits on a routing round
// trip.
type Category struct {
	Name         string
	Description  string
	SystemPrompt string
	keywords     []string
}

const basePrompt = "You are a real-time sales coach listening to a live call. " +
	"Reply with ONE short, concrete tip the rep can act on right now. " +
	"One or two sentences, no preamble, no bullet points."

var categories = []Category{
	{
		Name:         "pricing",
		Description:  "budget pushback, cost comparisons, discount requests",
		SystemPrompt: basePrompt + " The buyer is pushing back on price. Coach the rep to anchor on value and ROI before discussing discounts.",
		keywords:     []string{"price", "pricing", "expensive", "cost", "budget", "discount", "cheaper", "afford"},
	},
	{
		Name:         "timing",
		Description:  "not-right-now stalls, next-quarter deferrals",
		SystemPrompt: basePrompt + " The buyer is stalling on timing. Coach the rep to uncover the real blocker and quantify the cost of waiting.",
		keywords:     []string{"later", "quarter", "next year", "not ready", "timing", "busy", "revisit", "circle back"},
	},
	{
		Name:         "authority",
		Description:  "decision-maker deferrals, committee approvals",
		SystemPrompt: basePrompt + " The buyer says someone else decides. Coach the rep to map the buying committee and get a commitment to a joint next step.",
		keywords:     []string{"boss", "manager", "approval", "decision maker", "committee", "check with", "sign off", "stakeholder"},
	},
	{
		Name:         "technical",
		Description:  "integration, security, and capability concerns",
		SystemPrompt: basePrompt + " The buyer has a technical concern. Coach the rep to acknowledge it specifically and offer proof rather than reassurance.",
		keywords:     []string{"integrate", "integration", "api", "security", "compliance", "migrate", "compatible", "technical"},
	},
	{
		Name:         "competitor",
		Description:  "comparisons against rival products",
		SystemPrompt: basePrompt + " The buyer is comparing against a competitor. Coach the rep to differentiate on outcomes the buyer already said they care about, never to disparage.",
		keywords:     []string{"competitor", "alternative", "instead", "versus", "other vendor", "already use", "switching"},
	},
}

var generalCategory = Category{
	Name:         "general",
	Description:  "no specific objection detected",
	SystemPrompt: basePrompt + " Coach the rep on the single most useful next move: a discovery question, a summary, or a trial close.",
}

// ClassifyObjection picks the category whose keywords appear most often
// in the transcript window. Ties go to the earlier-listed category; no
// hits means general coaching.
func ClassifyObjection(text string) Category {
	lower := strings.ToLower(text)

	best := generalCategory
	bestScore := 0
	for _, cat := range categories {
		score := 0
		for _, kw := range cat.keywords {
			score += strings.Count(lower, kw)
		}
		if score > bestScore {
			best = cat
			bestScore = score
		}
	}
	return best
}

func Categories() []Category {
	out := make([]Category, len(categories), len(categories)+1)
	copy(out, categories)
	return append(out, generalCategory)
}
