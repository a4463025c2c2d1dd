// Package adaptive runs adaptive crawl tasks: it seeds a frontier, drains it in
// fixed-size windows through the page fetch service, and grows it with links the
// relevance ranker scores as related to the page they were found on.
package adaptive
