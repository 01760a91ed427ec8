// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package netloop

import "github.com/netloop/netloop/log"

// fatalf reports an environmental or programmer error that the core
// cannot recover from (fd creation failure, a thread-affinity violation)
// and aborts the process, per the "Fatal startup" / "Invariant violation"
// error policy: these never surface as a returned error because no
// caller could sensibly handle them.
func fatalf(format string, args ...any) {
	log.L().Fatalf(format, args...)
}
