// Package telegram adapts the Bot API SDK to the narrow transport the relay
// core consumes and classifies its failures.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Photo is an image to send: an already uploaded file id, a URL, or raw bytes.
type Photo struct {
	FileID string
	URL    string
	Data   []byte
	Name   string
}

func (p Photo) file() (tgbotapi.RequestFileData, error) {
	switch {
	case p.FileID != "":
		return tgbotapi.FileID(p.FileID), nil
	case len(p.Data) > 0:
		name := p.Name
		if name == "" {
			name = "card.png"
		}
		return tgbotapi.FileBytes{Name: name, Bytes: p.Data}, nil
	case p.URL != "":
		return tgbotapi.FileURL(p.URL), nil
	}
	return nil, errors.New("empty photo")
}

// Sent describes a message the bot posted.
type Sent struct {
	MessageID int
	// FileID of the largest photo size, when the message carries a photo.
	FileID string
}

// Client is the chat transport backed by a live bot.
type Client struct {
	api *tgbotapi.BotAPI
}

func New(api *tgbotapi.BotAPI) *Client {
	return &Client{api: api}
}

// CopyMessage copies msgID from fromChat into to and returns the new id.
func (c *Client) CopyMessage(ctx context.Context, to, fromChat int64, msgID int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	id, err := c.api.CopyMessage(tgbotapi.NewCopyMessage(to, fromChat, msgID))
	if err != nil {
		return 0, wrap(err)
	}
	return id.MessageID, nil
}

func (c *Client) SendPhoto(ctx context.Context, to int64, photo Photo, caption string) (Sent, error) {
	if err := ctx.Err(); err != nil {
		return Sent{}, err
	}
	f, err := photo.file()
	if err != nil {
		return Sent{}, err
	}
	cfg := tgbotapi.NewPhoto(to, f)
	cfg.Caption = caption
	msg, err := c.api.Send(cfg)
	if err != nil {
		return Sent{}, wrap(err)
	}
	out := Sent{MessageID: msg.MessageID}
	if n := len(msg.Photo); n > 0 {
		out.FileID = msg.Photo[n-1].FileID
	}
	return out, nil
}

func (c *Client) DeleteMessage(ctx context.Context, chat int64, msgID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.api.Request(tgbotapi.NewDeleteMessage(chat, msgID))
	return wrap(err)
}

func (c *Client) SendText(ctx context.Context, to int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(to, text)
	msg.DisableWebPagePreview = true
	_, err := c.api.Send(msg)
	return wrap(err)
}

func (c *Client) SendDocument(ctx context.Context, to int64, name string, data []byte, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc := tgbotapi.NewDocument(to, tgbotapi.FileBytes{Name: name, Bytes: data})
	doc.Caption = caption
	_, err := c.api.Send(doc)
	return wrap(err)
}

// Download fetches a file the bot received, up to limit bytes.
func (c *Client) Download(ctx context.Context, fileID string, limit int64) ([]byte, error) {
	url, err := c.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.api.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file: status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("file larger than %d bytes", limit)
	}
	return b, nil
}
