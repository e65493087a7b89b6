package vision

import "strings"

func buildPrompt(resolution string) string {
	var sb strings.Builder

	sb.WriteString("Analyze this phone screenshot. Return strict JSON only, no markdown and no other text.\n\n")

	if resolution == "" {
		sb.WriteString(`Every clickable element is outlined and labelled with a number.

Return a JSON object with this structure:
{
  "popup_exists": true,
  "popup_cancel_button": 1
}

Rules:
- popup_exists is true when a small window or dialog is overlaid on the main screen
- popup_cancel_button is the number label of the button that closes, dismisses or cancels the popup
- Use null for popup_cancel_button when there is no popup or no such button
- Do not mistake elements of the main screen for a popup

Return ONLY the JSON, no other text.`)
		return sb.String()
	}

	sb.WriteString("The screen resolution is ")
	sb.WriteString(resolution)
	sb.WriteString(". Give coordinates in that resolution.\n\n")
	sb.WriteString(`Return a JSON object with this structure:
{
  "popup_exists": true,
  "button_coordinates": {"x": 100, "y": 200}
}

Rules:
- popup_exists is true when a small window or dialog is overlaid on the main screen
- button_coordinates is the center of the button that closes, dismisses or cancels the popup
- Use null for button_coordinates when there is no popup or no such button

Return ONLY the JSON, no other text.`)

	return sb.String()
}
