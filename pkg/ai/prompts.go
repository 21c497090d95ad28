package ai

// ExtractSystemPrompt frames every extraction request.
const ExtractSystemPrompt = `You extract a trading knowledge graph from analyst documents. You only report what the text states or directly implies, and you score your own confidence honestly. You always answer with a single JSON object and nothing else.`

// ExtractPrompt is formatted with: entity types, relation types, document
// type, subject key, section label, section text.
const ExtractPrompt = `
# Task Context
You are extracting **typed entities and typed relationships** from one section of a trading analysis document. The result feeds a knowledge graph that later analyses query for peers, risks and recurring biases.

# Background Data
- **Entity_types:** [%s]
- **Relation_types:** [%s]
- **Document_type:** %s
- **Subject:** %s
- **Section:** %s

# Detailed Task Description & Rules
## Entity Extraction
1. Identify every entity of the listed types that the section mentions.
2. For each entity return:
   - **type:** exactly one of the listed entity types.
   - **name:** the surface name. Tickers are written as the bare symbol (e.g. "NVDA", not "$NVDA" or "NASDAQ:NVDA"). Companies use their common name.
   - **confidence:** 0.0–1.0, how certain you are that the entity is really present and correctly typed.
   - **evidence:** the shortest quote from the section that supports it.
3. When the subject is given and the section is about it, include the subject as a Ticker entity.
4. Bias entities are cognitive or behavioral biases of the author (e.g. "Anchoring", "Confirmation bias", "FOMO").

## Relationship Extraction
1. Only relate entities you extracted above, using their exact type and name.
2. For each relationship return:
   - **source_type / source_name** and **target_type / target_name**.
   - **relation:** exactly one of the listed relation types, directed from source to target.
   - **confidence:** 0.0–1.0.
3. Typical shapes: Ticker BELONGS_TO Sector, Ticker REPRESENTS Company, Ticker HAS_RISK Risk, Ticker HAS_CATALYST Catalyst, Ticker EXHIBITS_BIAS Bias (bias shown while analysing that ticker), Ticker SHOWS_PATTERN Pattern, Company COMPETES_WITH Company.

## Confidence Calibration
- 0.9 and above: stated explicitly and unambiguously.
- 0.7–0.9: clearly implied.
- 0.5–0.7: plausible but uncertain.
- below 0.5: speculative; include only if it would still be useful to a reviewer.

# Immediate Task Description or Request
Extract entities and relationships from the section text below.

# Section Text
%s

# Output Formatting
Return a single JSON object:
{
  "entities": [
    {"type": "string", "name": "string", "confidence": 0.0, "evidence": "string"}
  ],
  "relations": [
    {"source_type": "string", "source_name": "string", "relation": "string", "target_type": "string", "target_name": "string", "confidence": 0.0}
  ]
}
Use empty arrays when nothing is found. Do not include commentary outside the JSON.
`
