// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

// Package auth provides authentication and credential recovery for Labyrinth.
//
// # Domain Types
//
// Types with invariants are created through constructors:
//   - NewSession - validated user, token hash and expiry
//   - NewPasswordResetToken - validated user and HMAC token hash, 15 minute expiry
//
// Repository implementations receive pre-validated values and are keyed by
// the immutable user ID, never the username.
//
// # Services
//
// Services coordinate the domain operations:
//   - LoginLedger - failed-login counting and exponential lockout
//   - PasswordPolicy - complexity, minimum age, reuse and atomic rotation
//   - KBAService - security question enrollment, challenge and verification
//   - AuthService - login, logout, session validation and password change
//   - PasswordResetService - forgot-password, KBA challenge by token and reset
//   - AccountService - registration and profile management
//   - SecurityEventLog - append-only record of rejected attempts
//
// Services are created with New* constructors that validate dependencies and
// accept WithLogger and WithClock options.
//
// # Errors
//
// Errors are oops errors whose domain is a Kind. KindOf maps an error to the
// kind a transport uses to pick a status code.
package auth
