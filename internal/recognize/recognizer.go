package recognize

// Recognizer defines the interface for text recognition over receipt images.
// The rest of the system treats it as a black box: image in, text out. Any
// failure or empty result downstream means "extraction impossible", not a
// fatal error.
type Recognizer interface {
	// RecognizeText transcribes all readable text in a receipt image
	RecognizeText(imageData []byte, contentType string) (string, error)

	// Close releases resources held by the recognizer
	Close() error
}

// transcriptionPrompt is the shared prompt used by the LLM-backed recognizers
const transcriptionPrompt = `You are transcribing a receipt or invoice image. Read every piece of text in the image and return it as plain text, one line of the document per line of output, in reading order.

Important:
- Transcribe exactly what is printed, including labels, numbers, dates and currency symbols
- Preserve line breaks between distinct lines of the document
- Do not translate, summarize, interpret or reorder anything
- Do not add any commentary before or after the transcription
- Do not use markdown code blocks`
