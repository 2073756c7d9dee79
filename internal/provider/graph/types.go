// Package graph implements a Provider that forwards inbound messages via the
// Microsoft Graph API.
package graph

import (
	"encoding/base64"
	"fmt"

	"github.com/emersion/go-message/mail"

	"github.com/shineum/inbound-relay/internal/email"
)

// sendMailRequest is the top-level request body for the Graph API sendMail endpoint.
type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

type sendMailMessage struct {
	Subject                string            `json:"subject"`
	Body                   messageBody       `json:"body"`
	ToRecipients           []recipient       `json:"toRecipients"`
	ReplyTo                []recipient       `json:"replyTo,omitempty"`
	InternetMessageHeaders []messageHeader   `json:"internetMessageHeaders,omitempty"`
	Attachments            []graphAttachment `json:"attachments,omitempty"`
}

type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// messageHeader is a custom header; Graph only accepts names starting with "x-".
type messageHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
}

// tokenResponse represents the OAuth2 token endpoint response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// graphErrorResponse represents an error response from the Graph API.
type graphErrorResponse struct {
	Error graphError `json:"error"`
}

type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// buildForwardRequest converts an inbound message into a sendMail request
// addressed to forwardTo. The original sender is kept as the reply target.
func buildForwardRequest(msg *email.Message, forwardTo []string) (*sendMailRequest, error) {
	body := messageBody{
		ContentType: "text",
		Content:     msg.Text,
	}
	if msg.HTML != "" {
		body.ContentType = "html"
		body.Content = msg.HTML
	}

	toRecipients := make([]recipient, 0, len(forwardTo))
	for _, addr := range forwardTo {
		toRecipients = append(toRecipients, recipient{
			EmailAddress: emailAddress{Address: addr},
		})
	}

	from := email.HeaderValue(msg.From)

	var replyTo []recipient
	if addr, err := mail.ParseAddress(from); err == nil {
		replyTo = []recipient{{EmailAddress: emailAddress{Name: addr.Name, Address: addr.Address}}}
	}

	headers := []messageHeader{
		{Name: "x-original-from", Value: from},
		{Name: "x-original-to", Value: email.HeaderValue(msg.Email)},
		{Name: "x-inbound-message-id", Value: msg.ID},
	}
	if msg.SPFResult != "" {
		headers = append(headers, messageHeader{Name: "x-original-spf", Value: email.HeaderValue(msg.SPFResult)})
	}

	attachments := make([]graphAttachment, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		content, err := att.Bytes()
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment %q: %w", att.Filename, err)
		}
		attachments = append(attachments, graphAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         att.Filename,
			ContentType:  att.ContentType,
			ContentBytes: base64.StdEncoding.EncodeToString(content),
		})
	}

	return &sendMailRequest{
		Message: sendMailMessage{
			Subject:                email.HeaderValue(msg.Subject),
			Body:                   body,
			ToRecipients:           toRecipients,
			ReplyTo:                replyTo,
			InternetMessageHeaders: headers,
			Attachments:            attachments,
		},
	}, nil
}
