package wsengine

import "encoding/json"

// SendJSON marshals v and sends it as a text message.
func (c *Client) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(FrameText, data)
}
