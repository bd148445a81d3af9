// Package fixture provides the registered-capability library that plans are
// compiled against. A Library maps fixture keys to Fixtures, a Fixture maps
// grammar keys to Grammars, and a Grammar maps cell keys to the functions
// invoked when a step runs.
package fixture
