package notify

// ImagePlaceholder is shown in place of a body for image messages.
const ImagePlaceholder = "📷 Image"

// Preview renders a message body for notifications and list rows: image
// messages get the fixed placeholder, text longer than limit runes is cut
// at limit with an ellipsis appended.
func Preview(messageType, text string, limit int) string {
	if messageType == "image" {
		return ImagePlaceholder
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "…"
}
