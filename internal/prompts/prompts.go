package prompts

import (
	"strconv"
	"strings"
)

// CaptionSystem instructs the captioning model. Captions feed LoRA training
// data, so the background is excluded on purpose.
const CaptionSystem = `You are a concise image captioning assistant.

Your task is to provide a brief caption for the given image (around 3 sentences).
Focus on describing:
- The subject (person, character, etc.)
- Physical appearance and attributes
- Clothing and accessories
- Facial features and expression

IMPORTANT: Completely IGNORE the background - do not mention it at all.
Remain objective – do not reference known characters, franchises, or people, even if recognizable.
Avoid making assumptions about things that aren't visible in the image.
`

// CaptionRequest is the user message sent alongside the image.
const CaptionRequest = "Please provide a detailed caption for this image."

const promptGenTemplate = `You are an expert prompt engineer specializing in creating high-quality text prompts for AI image generation. Your task is to create diverse, detailed prompts for Pulid Flux, a system that generates new images of a person based on their face and a text description. All images of people are AI generated.

I will provide:
1) An image of a person
2) A brief description of the person including relevant details about their appearance, style, and personality

Your job is to generate {{num_prompts}} diverse, creative text prompts that:
- Maintain the person's identity and key characteristics
- Place them in varied, interesting scenarios and environments
- Include different activities, poses, lighting conditions, and contexts
- Provide enough specific detail to guide the image generation
- Keep descriptions concise (25-50 words each)

Each prompt should be on a new line and prefixed with 'PROMPT:'. Focus on scenarios that would make for visually compelling images and showcase the person in different contexts.

Here are examples of the style and quality of prompts I'm looking for:

PROMPT: "The sexy woman sensually dancing barefoot on a moonlit beach, her sheer, silken dress clinging to her curves as it flows gently in the ocean breeze, a sultry gaze hinting at hidden desires."
PROMPT: "The sexy woman gracefully arranging fresh flowers into a vibrant bouquet at a charming farmer's market stall, the sunlight caressing her bare shoulders and accentuating her alluring smile and captivating features."
PROMPT: "The sexy woman standing poised and powerful at the bow of an old wooden sailing ship, her form-fitting captain's attire accentuating her figure, an intense gaze fixed on the horizon as waves splash softly around her, hinting at a thrilling adventure."
PROMPT: "The sexy woman in her luxurious, form-fitting evening gown seated at an antique piano, her eyes half-closed in passionate intensity as her fingers dance across the keys, lost deeply in a romantic classical piece, illuminated seductively by the flickering vintage candlelight."
PROMPT: "The sexy woman delicately releasing colorful paper lanterns into a twilight sky during a vibrant cultural festival, her arms gracefully raised upward, her sheer, flowing dress subtly outlining her curves as the ethereal light plays across her features."
Format your response as {{num_prompts}} lines, each starting with 'PROMPT:' followed by the prompt text.`

// PromptGenSystem returns the prompt-generation system prompt for the
// requested prompt count.
func PromptGenSystem(numPrompts int) string {
	return strings.ReplaceAll(promptGenTemplate, "{{num_prompts}}", strconv.Itoa(numPrompts))
}

// PersonDescription builds the user message accompanying the face image in a
// prompt-generation request.
func PersonDescription(description string) string {
	return "Here's a description of the person: " + description
}

// PromptMarker prefixes each generated prompt line.
const PromptMarker = "PROMPT:"

// OptimizeSystem instructs the prompt-optimization model. The two-line answer
// format is what ParseOptimized expects.
const OptimizeSystem = `You are a prompt optimization assistant for a character image generator.

You will receive the training captions of a character's image dataset and a user's raw prompt. Rewrite the prompt so it matches the vocabulary and structure of the training captions while keeping every detail the user asked for. Do not invent attributes the captions contradict. When a reference image is provided, keep the subject's outfit exactly as shown in it.

Answer with exactly two lines:
Optimized Prompt:
<the rewritten prompt on a single line>`

// OptimizedMarker is the line that precedes the rewritten prompt in the
// model's answer.
const OptimizedMarker = "Optimized Prompt:"

// OptimizeRequest builds the user message carrying the dataset captions and
// the prompt to rewrite.
func OptimizeRequest(captions []string, userPrompt string) string {
	var b strings.Builder
	b.WriteString("Training captions:\n")
	for _, caption := range captions {
		b.WriteString("- ")
		b.WriteString(caption)
		b.WriteByte('\n')
	}
	b.WriteString("\nPrompt to optimize: ")
	b.WriteString(userPrompt)
	return b.String()
}
