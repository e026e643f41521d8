// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package notify delivers account emails.
//
// Templates renders the welcome and one-time passcode messages. SMTPNotifier
// sends them through a mail relay and LogNotifier writes them to the log for
// local development. Both notifiers report delivery as a bool and never
// return transport errors to the caller.
package notify
