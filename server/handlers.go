package server

import (
	"errors"
	"log"

	"legacychat/models"
	"legacychat/protocol"
	"legacychat/store"
)

func (d *Dispatcher) handleSignup(req protocol.Request) protocol.Response {
	if !required(req, "username", "password") {
		return protocol.Failure("Username and password required")
	}
	username := req.String("username")

	err := d.store.CreateAccount(username, req.String("password"))
	switch {
	case errors.Is(err, store.ErrDuplicateUser):
		return protocol.Failure("Username already exists")
	case errors.Is(err, store.ErrPasswordTooLong):
		return protocol.Failure("Password too long")
	case err != nil:
		return internalError(ActionSignup, err)
	}

	log.Printf("New signup: %s", username)
	return protocol.Success("User signed up")
}

func (d *Dispatcher) handleLogin(req protocol.Request) protocol.Response {
	if !required(req, "username", "password") {
		return protocol.Failure("Username and password required")
	}

	buddies, err := d.store.VerifyLogin(req.String("username"), req.String("password"))
	switch {
	case errors.Is(err, store.ErrNoSuchUser):
		return protocol.Failure("User does not exist")
	case errors.Is(err, store.ErrBadCredentials):
		return protocol.Failure("Incorrect password")
	case err != nil:
		return internalError(ActionLogin, err)
	}

	if buddies == nil {
		buddies = []string{}
	}
	resp := protocol.Success("User logged in")
	resp.Buddies = buddies
	return resp
}

func (d *Dispatcher) handleAddBuddy(req protocol.Request) protocol.Response {
	if !required(req, "username", "buddy_username", "buddy_name") {
		return protocol.Failure("Missing fields for adding buddy")
	}

	err := d.store.AddBuddy(req.String("username"), req.String("buddy_username"), req.String("buddy_name"))
	switch {
	case errors.Is(err, store.ErrNoSuchUser):
		return protocol.Failure("User not found")
	case errors.Is(err, store.ErrNoSuchBuddy):
		return protocol.Failure("Buddy username does not exist")
	case err != nil:
		return internalError(ActionAddBuddy, err)
	}

	return protocol.Success("Buddy added")
}

func (d *Dispatcher) handleSendMessage(req protocol.Request) protocol.Response {
	if !required(req, "sender", "recipient", "message") {
		return protocol.Failure("Missing fields for sending message")
	}

	msg := models.Message{
		From:    req.String("sender"),
		Message: req.String("message"),
	}
	// Nudges and winks ride on send_message; anything else is plain text.
	switch t := req.String("type"); t {
	case models.TypeNudge, models.TypeWink:
		msg.Type = t
	}

	return d.deposit(ActionSendMessage, req.String("recipient"), msg, "Message sent")
}

func (d *Dispatcher) handleSendFile(req protocol.Request) protocol.Response {
	if !required(req, "sender", "recipient", "filename", "filedata") {
		return protocol.Failure("Missing fields for sending file")
	}

	msg := models.Message{
		From:     req.String("sender"),
		Type:     models.TypeFile,
		Filename: req.String("filename"),
		Filedata: req.String("filedata"),
	}
	return d.deposit(ActionSendFile, req.String("recipient"), msg, "File sent")
}

func (d *Dispatcher) deposit(action, recipient string, msg models.Message, confirmation string) protocol.Response {
	err := d.store.DepositMessage(recipient, msg)
	switch {
	case errors.Is(err, store.ErrNoSuchUser):
		return protocol.Failure("Recipient does not exist")
	case err != nil:
		return internalError(action, err)
	}

	d.metrics.deposited(msg.Kind())
	return protocol.Success(confirmation)
}

func (d *Dispatcher) handleGetMessages(req protocol.Request) protocol.Response {
	if !required(req, "username") {
		return protocol.Failure("Username required")
	}

	msgs, err := d.store.DrainMailbox(req.String("username"))
	switch {
	case errors.Is(err, store.ErrNoSuchUser):
		return protocol.Failure("User not found")
	case err != nil:
		return internalError(ActionGetMessages, err)
	}

	if msgs == nil {
		msgs = []models.Message{}
	}
	return protocol.Response{Status: protocol.StatusSuccess, Messages: msgs}
}
