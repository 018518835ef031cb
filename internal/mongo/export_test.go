// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mongo

var ConnectTimeout = connectTimeout

const StepDownSeconds = stepDownSeconds
