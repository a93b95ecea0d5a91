package config

// Package is one purchasable offer, priced in Telegram Stars. Either Days or
// Credits is set, never both.
type Package struct {
	Key     string
	Title   string
	Days    int
	Credits int
	Stars   int
}

// PackageCatalog returns the purchasable offers in display order.
func (c *Config) PackageCatalog() []Package {
	return []Package{
		{Key: "sub_week", Title: "Unlimited week", Days: 7, Stars: c.Packages.SubWeekStars},
		{Key: "sub_month", Title: "Unlimited month", Days: 30, Stars: c.Packages.SubMonthStars},
		{Key: "sub_quarter", Title: "Unlimited 3 months", Days: 90, Stars: c.Packages.SubQuarterStars},
		{Key: "credits_1", Title: "1 reading", Credits: 1, Stars: c.Packages.CreditsOneStars},
		{Key: "credits_3", Title: "3 readings", Credits: 3, Stars: c.Packages.CreditsThreeStars},
		{Key: "credits_10", Title: "10 readings", Credits: 10, Stars: c.Packages.CreditsTenStars},
	}
}

// FindPackage looks up an offer by key.
func (c *Config) FindPackage(key string) (Package, bool) {
	for _, p := range c.PackageCatalog() {
		if p.Key == key {
			return p, true
		}
	}
	return Package{}, false
}
