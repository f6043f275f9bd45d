package server

import (
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/pseudocoder/filesync/internal/editor"
	apperrors "github.com/pseudocoder/filesync/internal/errors"
	"github.com/pseudocoder/filesync/internal/fileservice"
	"github.com/pseudocoder/filesync/internal/mergeconflict"
	"github.com/pseudocoder/filesync/internal/tabs"
)

// dispatch routes one command. State changes reach every client, this one
// included, through tab events; only errors and merge.regions are replies.
func (c *Client) dispatch(msg inbound) {
	var err error
	var path string

	switch msg.Type {
	case MessageTypeFileOpen:
		path, err = c.withPath(msg, func(p string) error {
			_, err := c.server.editor.Open(c.ctx, p)
			return err
		})
	case MessageTypeFileEdit:
		var p FileEditPayload
		if err = decode(msg, &p); err == nil {
			if path, err = tabPath(p.Path); err == nil {
				_, err = c.server.editor.Edit(path, p.Content)
			}
		}
	case MessageTypeFileSave:
		path, err = c.withPath(msg, func(p string) error {
			_, err := c.server.editor.Save(c.ctx, p)
			return err
		})
	case MessageTypeFileClose:
		path, err = c.withPath(msg, func(p string) error {
			_, err := c.server.editor.Close(p)
			return err
		})
	case MessageTypeTabActivate:
		path, err = c.withPath(msg, func(p string) error {
			_, err := c.server.editor.Activate(p)
			return err
		})
	case MessageTypeTabCursor:
		var p TabCursorPayload
		if err = decode(msg, &p); err == nil {
			if path, err = tabPath(p.Path); err == nil {
				_, err = c.server.editor.Store().SetCursor(path, tabs.Cursor{Line: p.Line, Column: p.Column})
			}
		}
	case MessageTypeFileDelete:
		path, err = c.withPath(msg, func(p string) error {
			_, err := c.server.editor.Delete(c.ctx, p)
			return err
		})
	case MessageTypeFileRename:
		var p FileRenamePayload
		if err = decode(msg, &p); err == nil {
			path = p.From
			if p.From == "" || p.To == "" {
				err = apperrors.InvalidMessage("from and to are required")
				break
			}
			_, err = c.server.editor.Rename(c.ctx, p.From, p.To)
		}
	case MessageTypeEditorFocus:
		err = c.handleFocus()
	case MessageTypeConflictResolve:
		path, err = c.handleConflictResolve(msg)
	case MessageTypeMergeDetect:
		path, err = c.withPath(msg, func(p string) error {
			_, regions, err := c.server.editor.DetectMergeConflicts(p)
			if err == nil {
				c.reply(NewMergeRegionsMessage(msg.ID, p, regions))
			}
			return err
		})
	case MessageTypeMergeResolve:
		path, err = c.handleMergeResolve(msg)
	case MessageTypePreferenceSet:
		err = c.handlePreferenceSet(msg)
	default:
		err = apperrors.New(apperrors.CodeServerHandlerMissing, "unknown message type "+string(msg.Type))
	}

	if err != nil {
		c.logger.Debug("command failed",
			zap.String("type", string(msg.Type)),
			zap.String("path", path),
			zap.Error(err))
		c.sendError(msg.ID, path, err)
	}
}

// handleFocus runs a freshness check over every tab, at most FocusRate times
// a second. Extra focus events are dropped without an error.
func (c *Client) handleFocus() error {
	if !c.focus.Allow() {
		return nil
	}
	err := c.server.editor.CheckAll(c.ctx)
	if err != nil && errors.Is(err, c.ctx.Err()) {
		return nil
	}
	return err
}

func (c *Client) handleConflictResolve(msg inbound) (string, error) {
	var p ConflictResolvePayload
	if err := decode(msg, &p); err != nil {
		return "", err
	}
	path, err := tabPath(p.Path)
	if err != nil {
		return path, err
	}
	action, err := editor.ParseAction(p.Action)
	if err != nil {
		return path, err
	}
	_, err = c.server.editor.ResolveVersionConflict(c.ctx, path, action)
	return path, err
}

func (c *Client) handleMergeResolve(msg inbound) (string, error) {
	var p MergeResolvePayload
	if err := decode(msg, &p); err != nil {
		return "", err
	}
	path, err := tabPath(p.Path)
	if err != nil {
		return path, err
	}
	choice, err := mergeconflict.ParseChoice(p.Choice)
	if err != nil {
		return path, apperrors.Wrap(apperrors.CodeTabInvalidResolution, err.Error(), err)
	}
	if p.Region != nil {
		_, err = c.server.editor.ResolveMergeRegion(path, *p.Region, choice)
	} else {
		_, err = c.server.editor.ResolveMergeConflict(path, choice)
	}
	return path, err
}

// handlePreferenceSet stores the preference and sends the full set to every
// client.
func (c *Client) handlePreferenceSet(msg inbound) error {
	prefs := c.server.opts.Preferences
	if prefs == nil {
		return apperrors.New(apperrors.CodeServerHandlerMissing, "preferences not configured")
	}
	var p PreferencePayload
	if err := decode(msg, &p); err != nil {
		return err
	}
	if p.Key == "" {
		return apperrors.InvalidMessage("key is required")
	}

	var err error
	if p.Value == nil {
		err = prefs.DeletePreference(p.Key)
	} else {
		err = prefs.SetPreference(p.Key, *p.Value)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "store preference", err)
	}

	all, err := prefs.Preferences()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageQueryFailed, "load preferences", err)
	}
	c.server.Broadcast(NewPreferencesMessage(all))
	return nil
}

// withPath decodes a PathPayload and runs fn on its canonical path.
func (c *Client) withPath(msg inbound, fn func(path string) error) (string, error) {
	var p PathPayload
	if err := decode(msg, &p); err != nil {
		return "", err
	}
	path, err := tabPath(p.Path)
	if err != nil {
		return path, err
	}
	return path, fn(path)
}

// tabPath canonicalizes a client path the way tabs are keyed. On error the
// raw path is returned for the error reply.
func tabPath(raw string) (string, error) {
	if raw == "" {
		return "", apperrors.InvalidMessage("path is required")
	}
	canon, err := fileservice.CanonicalPath(raw)
	if err != nil {
		return raw, err
	}
	return canon, nil
}

func decode(msg inbound, v any) error {
	if len(msg.Payload) == 0 {
		return apperrors.InvalidMessage("payload is required")
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return apperrors.InvalidMessage("invalid " + string(msg.Type) + " payload")
	}
	return nil
}
